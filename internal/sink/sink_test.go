package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/ashita-ai/telepipe/internal/exporter"
	"github.com/ashita-ai/telepipe/internal/model"
	"github.com/ashita-ai/telepipe/internal/storage"
)

var (
	_ exporter.BatchSink[model.Span]      = (*Stdout[model.Span])(nil)
	_ exporter.BatchSink[model.Span]      = (*PostgresSpans)(nil)
	_ exporter.BatchSink[model.LogRecord] = (*PostgresLogs)(nil)
	_ exporter.BatchSink[model.Span]      = (*SQLiteSpans)(nil)
	_ exporter.BatchSink[model.LogRecord] = (*SQLiteLogs)(nil)
	_ exporter.BatchSink[model.Span]      = (*OTLPSpans)(nil)
)

var testResource = &model.Resource{ServiceName: "gateway-api", InstanceID: "pod-1"}

func testSpan(spanID, parent string) model.Span {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return model.Span{
		TraceID:      "4bf92f3577b34da6a3ce929d0e0e4736",
		SpanID:       spanID,
		ParentSpanID: parent,
		Name:         "getData",
		Scope:        "AppController",
		Kind:         model.SpanKindConsumer,
		StartTime:    start,
		EndTime:      start.Add(20 * time.Millisecond),
		Status:       model.Status{Code: model.StatusOK},
		Attributes:   model.Attributes{"http.route": model.String("/api"), "attempt": model.Int64(1)},
		Resource:     testResource,
	}
}

func TestStdoutWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdout[model.Span](&buf)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, testSpan("00f067aa0ba902b7", "")))
	require.NoError(t, s.WriteBatch(ctx, []model.Span{
		testSpan("00f067aa0ba902b8", "00f067aa0ba902b7"),
		testSpan("00f067aa0ba902b9", "00f067aa0ba902b7"),
	}))

	sc := bufio.NewScanner(&buf)
	var ids []string
	for sc.Scan() {
		var got model.Span
		require.NoError(t, json.Unmarshal(sc.Bytes(), &got))
		ids = append(ids, got.SpanID)
		assert.Equal(t, "/api", got.Attributes["http.route"].AsString())
	}
	assert.Equal(t, []string{"00f067aa0ba902b7", "00f067aa0ba902b8", "00f067aa0ba902b9"}, ids)
}

func TestStdoutConcurrentBatchesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdout[int](&buf)

	var wg sync.WaitGroup
	for g := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch := make([]int, 50)
			for i := range batch {
				batch[i] = g
			}
			assert.NoError(t, s.WriteBatch(context.Background(), batch))
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 200)
	for i := 0; i < len(lines); i += 50 {
		for _, l := range lines[i : i+50] {
			assert.Equal(t, lines[i], l)
		}
	}
}

func TestStdoutHonorsCancelledContext(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdout[int](&buf)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Write(ctx, 1), context.Canceled)
	assert.Zero(t, buf.Len())
}

func openSQLite(t *testing.T) *SQLite {
	t.Helper()
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "telepipe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteSpansRoundTrip(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()

	failed := testSpan("00f067aa0ba902b8", "00f067aa0ba902b7")
	failed.Status = model.Status{Code: model.StatusError, Message: "boom"}
	failed.Exception = &model.Exception{Type: "*errors.errorString", Message: "boom", Stacktrace: "goroutine 1"}

	require.NoError(t, db.Spans().Write(ctx, testSpan("00f067aa0ba902b7", "")))
	require.NoError(t, db.Spans().WriteBatch(ctx, []model.Span{failed, failed}))

	got, err := db.GetSpan(ctx, failed.SpanID)
	require.NoError(t, err)
	assert.Equal(t, failed.ParentSpanID, got.ParentSpanID)
	assert.Equal(t, failed.Status, got.Status)
	assert.Equal(t, failed.Kind, got.Kind)
	assert.True(t, failed.StartTime.Equal(got.StartTime))
	assert.Equal(t, 20*time.Millisecond, got.Duration())
	assert.Equal(t, *failed.Exception, *got.Exception)
	assert.Equal(t, int64(1), got.Attributes["attempt"].AsInt64())
	assert.Equal(t, "gateway-api", model.ServiceNameOf(got.Resource))

	root, err := db.GetSpan(ctx, "00f067aa0ba902b7")
	require.NoError(t, err)
	assert.True(t, root.IsRoot())
	assert.Nil(t, root.Exception)

	_, err = db.GetSpan(ctx, "ffffffffffffffff")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSQLiteSpanKeepsFullResource(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()

	span := testSpan("00f067aa0ba902b7", "")
	span.Resource = &model.Resource{
		ServiceName:    "gateway-api",
		ServiceVersion: "2.4.1",
		InstanceID:     "pod-1",
		Attributes:     model.Attributes{"deployment.environment": model.String("staging")},
	}
	require.NoError(t, db.Spans().WriteBatch(ctx, []model.Span{span}))

	got, err := db.GetSpan(ctx, span.SpanID)
	require.NoError(t, err)
	require.NotNil(t, got.Resource)
	assert.Equal(t, *span.Resource, *got.Resource)
}

func TestSQLiteLogs(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()

	recs := []model.LogRecord{
		{ID: uuid.New(), Timestamp: time.Now(), Severity: model.SeverityInfo, Body: "Getting data...", Resource: testResource},
		{ID: uuid.New(), TraceID: "4bf92f3577b34da6a3ce929d0e0e4736", SpanID: "00f067aa0ba902b7", Timestamp: time.Now(), Severity: model.SeverityError, Body: "failed"},
	}
	require.NoError(t, db.Logs().WriteBatch(ctx, recs))
	require.NoError(t, db.Logs().Write(ctx, recs[0]))

	var n int
	require.NoError(t, db.db.QueryRowContext(ctx, `SELECT count(*) FROM log_records`).Scan(&n))
	assert.Equal(t, 2, n)

	got, err := db.LogsForTrace(ctx, recs[1].TraceID, model.SeverityWarn)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, recs[1].ID, got[0].ID)
	assert.Equal(t, "00f067aa0ba902b7", got[0].SpanID)

	none, err := db.LogsForTrace(ctx, "0af7651916cd43dd8448eb211c80319c", model.SeverityTrace)
	require.NoError(t, err)
	assert.Empty(t, none)

	var body string
	require.NoError(t, db.db.QueryRowContext(ctx,
		`SELECT body FROM log_records WHERE severity_number >= ?`, int64(model.SeverityError)).Scan(&body))
	assert.Equal(t, "failed", body)
}

func nonFiniteBatch() []model.Span {
	bad := testSpan("00f067aa0ba902b8", "00f067aa0ba902b7")
	bad.Attributes = model.Attributes{"ratio": model.Float64(math.NaN()), "limit": model.Float64(math.Inf(1))}
	return []model.Span{testSpan("00f067aa0ba902b7", ""), bad, testSpan("00f067aa0ba902b9", "00f067aa0ba902b7")}
}

func TestStdoutExportsNonFiniteAttributes(t *testing.T) {
	var buf bytes.Buffer
	exp := exporter.New[model.Span]("spans", NewStdout[model.Span](&buf),
		slog.New(slog.NewTextHandler(io.Discard, nil)), exporter.Options{})

	res := <-exp.Export(context.Background(), nonFiniteBatch())
	require.Equal(t, exporter.Success, res.Code, "%v", res.Err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], `"ratio":"NaN"`)
	assert.Contains(t, lines[1], `"limit":"+Inf"`)
}

func TestStdoutBatchWritesNothingOnEncodeError(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdout[any](&buf)

	err := s.WriteBatch(context.Background(), []any{1, func() {}, 3})
	require.Error(t, err)
	assert.Zero(t, buf.Len())
}

func TestSQLiteBatchKeepsNonFiniteAttributes(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()
	batch := nonFiniteBatch()

	require.NoError(t, db.Spans().WriteBatch(ctx, batch))

	for _, want := range batch {
		_, err := db.GetSpan(ctx, want.SpanID)
		require.NoError(t, err, want.SpanID)
	}
	got, err := db.GetSpan(ctx, batch[1].SpanID)
	require.NoError(t, err)
	assert.Equal(t, "NaN", got.Attributes["ratio"].Emit())
	assert.Equal(t, "+Inf", got.Attributes["limit"].Emit())
}

func TestSQLiteBatchCancelledWritesNothing(t *testing.T) {
	db := openSQLite(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := db.Spans().WriteBatch(ctx, []model.Span{testSpan("00f067aa0ba902b7", "")})
	require.Error(t, err)

	_, err = db.GetSpan(context.Background(), "00f067aa0ba902b7")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOTLPSpansConvertsRecords(t *testing.T) {
	mem := tracetest.NewInMemoryExporter()
	s := newOTLPSpans(mem)

	failed := testSpan("00f067aa0ba902b8", "00f067aa0ba902b7")
	failed.Status = model.Status{Code: model.StatusError, Message: "boom"}
	failed.Exception = &model.Exception{Type: "*errors.errorString", Message: "boom"}

	require.NoError(t, s.WriteBatch(context.Background(), []model.Span{testSpan("00f067aa0ba902b7", ""), failed}))

	got := mem.GetSpans()
	require.Len(t, got, 2)

	root := got[0]
	assert.Equal(t, "getData", root.Name)
	assert.Equal(t, trace.SpanKindConsumer, root.SpanKind)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", root.SpanContext.TraceID().String())
	assert.False(t, root.Parent.IsValid())
	assert.Equal(t, "AppController", root.InstrumentationScope.Name)
	assert.Equal(t, codes.Ok, root.Status.Code)

	child := got[1]
	assert.Equal(t, "00f067aa0ba902b7", child.Parent.SpanID().String())
	assert.Equal(t, codes.Error, child.Status.Code)
	assert.Equal(t, "boom", child.Status.Description)
	require.Len(t, child.Events, 1)
	assert.Equal(t, semconv.ExceptionEventName, child.Events[0].Name)

	// Records sharing a Resource share the converted one.
	assert.Same(t, root.Resource, child.Resource)
	name, ok := root.Resource.Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "gateway-api", name.AsString())
}

func TestOTLPSpansRejectsBadIDs(t *testing.T) {
	s := newOTLPSpans(tracetest.NewInMemoryExporter())
	bad := testSpan("not-hex", "")
	assert.Error(t, s.Write(context.Background(), bad))
}

func TestOTLPSpansOverHTTP(t *testing.T) {
	var (
		mu  sync.Mutex
		req coltracepb.ExportTraceServiceRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/traces", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		err = proto.Unmarshal(body, &req)
		mu.Unlock()
		assert.NoError(t, err)

		resp, _ := proto.Marshal(&coltracepb.ExportTraceServiceResponse{})
		w.Header().Set("Content-Type", "application/x-protobuf")
		_, _ = w.Write(resp)
	}))
	defer srv.Close()

	ctx := context.Background()
	s, err := NewOTLPSpans(ctx, strings.TrimPrefix(srv.URL, "http://"), true)
	require.NoError(t, err)
	defer func() { _ = s.Close(ctx) }()

	require.NoError(t, s.Write(ctx, testSpan("00f067aa0ba902b7", "")))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, req.ResourceSpans, 1)
	scopes := req.ResourceSpans[0].ScopeSpans
	require.Len(t, scopes, 1)
	assert.Equal(t, "AppController", scopes[0].Scope.Name)
	require.Len(t, scopes[0].Spans, 1)
	assert.Equal(t, "getData", scopes[0].Spans[0].Name)
}
