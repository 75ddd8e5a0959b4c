// Package functionality describes the named, typed operations that providers
// offer and consumers request.
package functionality

import (
	"fmt"
	"reflect"
	"strings"

	mycerrors "github.com/gezibash/mycelium/pkg/errors"
)

// Kind is the interaction pattern of a functionality.
type Kind string

const (
	// Continuous is a one-way stream with no reply path.
	Continuous Kind = "continuous"
	// RequestResponse takes a typed request and returns a typed response.
	RequestResponse Kind = "request_response"
	// Response takes no input and returns a typed response.
	Response Kind = "response"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case Continuous, RequestResponse, Response:
		return true
	}
	return false
}

// Well-known directory channel names.
const (
	ProviderRegistrationChannel = "ProviderRegistration"
	ConsumerDiscoveryChannel    = "ConsumerDiscovery"
)

// Descriptor identifies one operation. Two descriptors are equal when name,
// input type and output type all match.
type Descriptor struct {
	Name       string `json:"name"`
	Kind       Kind   `json:"kind"`
	InputType  string `json:"input_type"`
	OutputType string `json:"output_type"`
}

// Equal compares name and type identities.
func (d Descriptor) Equal(o Descriptor) bool {
	return d.Name == o.Name && d.InputType == o.InputType && d.OutputType == o.OutputType
}

// Validate checks the descriptor is well formed for its kind.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: functionality name required", mycerrors.ErrInvalidInput)
	}
	if strings.ContainsAny(d.Name, "/ \t\n") {
		return fmt.Errorf("%w: functionality name %q must not contain '/' or whitespace", mycerrors.ErrInvalidInput, d.Name)
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("%w: functionality %q has unknown kind %q", mycerrors.ErrInvalidInput, d.Name, d.Kind)
	}
	if d.OutputType == "" {
		return fmt.Errorf("%w: functionality %q has no output type", mycerrors.ErrInvalidInput, d.Name)
	}
	if d.Kind == Continuous && d.InputType != "" {
		return fmt.Errorf("%w: continuous functionality %q cannot take input", mycerrors.ErrInvalidInput, d.Name)
	}
	if d.Kind != Continuous && d.InputType == "" {
		return fmt.Errorf("%w: functionality %q has no input type", mycerrors.ErrInvalidInput, d.Name)
	}
	return nil
}

func (d Descriptor) String() string {
	if d.Kind == Continuous {
		return fmt.Sprintf("%s(stream %s)", d.Name, d.OutputType)
	}
	return fmt.Sprintf("%s(%s) -> %s", d.Name, d.InputType, d.OutputType)
}

// RequestChannel is the channel requests for the named functionality travel on.
func RequestChannel(name string) string { return name + "/request" }

// ResponseChannel is the channel responses for the named functionality travel on.
func ResponseChannel(name string) string { return name + "/response" }

// ContinuousChannel is the channel a continuous functionality streams on.
func ContinuousChannel(name string) string { return name + "/continuous" }

// Manifest lists what one provider offers. ProviderName is the instance key:
// republishing under the same name replaces the previous manifest.
type Manifest struct {
	ProviderName    string       `json:"provider_name"`
	Functionalities []Descriptor `json:"functionalities"`
}

// Key returns the instance key used on the registration channel.
func (m Manifest) Key() string { return m.ProviderName }

// Validate checks the provider name and each descriptor, rejecting duplicate
// functionality names.
func (m Manifest) Validate() error {
	if m.ProviderName == "" {
		return fmt.Errorf("%w: provider name required", mycerrors.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(m.Functionalities))
	for _, d := range m.Functionalities {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("provider %q: %w", m.ProviderName, err)
		}
		if seen[d.Name] {
			return fmt.Errorf("provider %q: %w: functionality %q declared twice", m.ProviderName, mycerrors.ErrAlreadyExists, d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

// Offers reports whether the manifest contains a functionality with this name.
func (m Manifest) Offers(name string) (Descriptor, bool) {
	for _, d := range m.Functionalities {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Advertisement records that a consumer requested one functionality.
// It is informational and never gates invocation.
type Advertisement struct {
	ConsumerID             string     `json:"consumer_id"`
	RequestedFunctionality Descriptor `json:"requested_functionality"`
}

// Key is unique per consumer and functionality so each advertisement is
// retained independently.
func (a Advertisement) Key() string {
	return a.ConsumerID + "/" + a.RequestedFunctionality.Name
}

// Empty is the request payload of Response functionalities.
type Empty struct {
	Marker uint8 `json:"_marker"`
}

// TypeName returns the type identity used in descriptors and topic type names.
func TypeName[T any]() string {
	t := reflect.TypeOf((*T)(nil)).Elem()
	return typeName(t)
}

func typeName(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		return typeName(t.Elem())
	}
	if t.Name() == "" {
		return t.String()
	}
	if t.PkgPath() == "" {
		return t.Name()
	}
	pkg := t.PkgPath()
	if i := strings.LastIndex(pkg, "/"); i >= 0 {
		pkg = pkg[i+1:]
	}
	return pkg + "." + t.Name()
}

// Describe builds a descriptor for the given kind and Go types.
func Describe[I, O any](name string, kind Kind) Descriptor {
	d := Descriptor{Name: name, Kind: kind, OutputType: TypeName[O]()}
	if kind != Continuous {
		d.InputType = TypeName[I]()
	}
	return d
}
