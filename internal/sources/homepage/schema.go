package homepage

// ServicesConfig is the root structure of Homepage's services.yaml.
// Groups and services are keyed by their display names:
// - GroupName: [ { ServiceName: { href, description, ... } } ]
type ServicesConfig []map[string][]map[string]ServiceProps

// ServiceProps holds the properties of one service. Only href and
// description matter for import; the rest is accepted and ignored.
type ServiceProps struct {
	Href        string         `yaml:"href"`
	Icon        string         `yaml:"icon,omitempty"`
	Description string         `yaml:"description,omitempty"`
	Widget      map[string]any `yaml:"widget,omitempty"`
}
