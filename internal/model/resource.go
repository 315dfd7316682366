package model

// Resource identifies the producing process. One Resource is built at startup
// and shared by pointer across every record; it must not be modified afterwards.
type Resource struct {
	ServiceName    string     `json:"service_name"`
	ServiceVersion string     `json:"service_version,omitempty"`
	InstanceID     string     `json:"instance_id,omitempty"`
	Attributes     Attributes `json:"attributes,omitempty"`
}

// ServiceNameOf returns the service name of r, or "" when r is nil.
func ServiceNameOf(r *Resource) string {
	if r == nil {
		return ""
	}
	return r.ServiceName
}
