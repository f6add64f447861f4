package operator

import (
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/tourbridge/internal/circuitbreaker"
)

// Capability names one operation an operator can perform.
type Capability string

const (
	CapSearch           Capability = "search"
	CapGetBooking       Capability = "get_booking"
	CapCalculate        Capability = "calculate"
	CapCreateBooking    Capability = "create_booking"
	CapConfirmBooking   Capability = "confirm_booking"
	CapCancelBooking    Capability = "cancel_booking"
	CapBookingStatus    Capability = "booking_status"
	CapDepartureCities  Capability = "departure_cities"
	CapCountries        Capability = "countries"
	CapPackageTemplates Capability = "package_templates"
	CapHotels           Capability = "hotels"
	CapMeals            Capability = "meals"
	CapCalendarHints    Capability = "calendar_hints"
)

// AllCapabilities lists every capability an adapter may declare.
var AllCapabilities = []Capability{
	CapSearch, CapGetBooking, CapCalculate, CapCreateBooking, CapConfirmBooking,
	CapCancelBooking, CapBookingStatus, CapDepartureCities, CapCountries,
	CapPackageTemplates, CapHotels, CapMeals, CapCalendarHints,
}

// Critical reports whether failures of c raise alerts.
func (c Capability) Critical() bool {
	switch c {
	case CapCreateBooking, CapConfirmBooking, CapCancelBooking:
		return true
	}
	return false
}

// RetrySettings bound retries of one operation against one operator.
type RetrySettings struct {
	MaxRetries int           `yaml:"max_retries" json:"maxRetries"`
	BaseDelay  time.Duration `yaml:"base_delay" json:"baseDelay"`

	maxRetriesSet bool
}

// UnmarshalYAML records whether max_retries was given so that an explicit
// zero disables retries instead of falling back to the default.
func (r *RetrySettings) UnmarshalYAML(n *yaml.Node) error {
	type plain RetrySettings
	if err := n.Decode((*plain)(r)); err != nil {
		return err
	}
	r.maxRetriesSet = hasKey(n, "max_retries")
	return nil
}

// Credentials are the site-level login for an operator API.
type Credentials struct {
	Login    string `yaml:"login" json:"-"`
	Password string `yaml:"password" json:"-"`
}

// RateLimit paces outbound requests to an operator.
type RateLimit struct {
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requestsPerMinute"`
	Burst             int `yaml:"burst" json:"burst"`
}

// Descriptor is the static configuration of one operator.
type Descriptor struct {
	Type           string                  `yaml:"type" json:"type"`
	Enabled        bool                    `yaml:"enabled" json:"enabled"`
	Priority       int                     `yaml:"priority" json:"priority"`
	Weight         int                     `yaml:"weight" json:"weight"`
	Timeout        time.Duration           `yaml:"timeout" json:"timeout"`
	BaseURL        string                  `yaml:"base_url" json:"baseUrl"`
	Credentials    Credentials             `yaml:"credentials" json:"-"`
	WebhookSecret  string                  `yaml:"webhook_secret" json:"-"`
	Retry          RetrySettings           `yaml:"retry" json:"retry"`
	CircuitBreaker circuitbreaker.Settings `yaml:"circuit_breaker" json:"circuitBreaker"`
	RateLimit      RateLimit               `yaml:"rate_limit" json:"rateLimit"`
	Features       []Capability            `yaml:"features" json:"features"`

	weightSet bool
}

// UnmarshalYAML records whether weight was given so that weight: 0 is kept.
func (d *Descriptor) UnmarshalYAML(n *yaml.Node) error {
	type plain Descriptor
	if err := n.Decode((*plain)(d)); err != nil {
		return err
	}
	d.weightSet = hasKey(n, "weight")
	return nil
}

func hasKey(n *yaml.Node, key string) bool {
	if n.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return true
		}
	}
	return false
}

// Supports reports whether the operator declares capability c.
func (d Descriptor) Supports(c Capability) bool {
	for _, f := range d.Features {
		if f == c {
			return true
		}
	}
	return false
}

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
	defaultWeight     = 100
)

// withDefaults fills unset tuning values. Zero max_retries and weight are
// kept when the YAML sets them explicitly.
func (d Descriptor) withDefaults() Descriptor {
	if d.Timeout <= 0 {
		d.Timeout = defaultTimeout
	}
	if d.Retry.MaxRetries == 0 && !d.Retry.maxRetriesSet {
		d.Retry.MaxRetries = defaultMaxRetries
	}
	if d.Retry.BaseDelay <= 0 {
		d.Retry.BaseDelay = defaultBaseDelay
	}
	if d.Weight == 0 && !d.weightSet {
		d.Weight = defaultWeight
	}
	return d
}
