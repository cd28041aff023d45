package contract

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// AssetKind is the kind of a simulated platform.
type AssetKind string

const (
	AssetSatellite AssetKind = "satellite"
	AssetAircraft  AssetKind = "aircraft"
	AssetFacility  AssetKind = "facility"
	AssetTarget    AssetKind = "target"
	AssetPlace     AssetKind = "place"
)

// Stationary reports whether the kind is placed at a fixed geodetic position.
func (k AssetKind) Stationary() bool {
	return k == AssetFacility || k == AssetTarget || k == AssetPlace
}

// TransceiverRole distinguishes transmitters from receivers.
type TransceiverRole string

const (
	RoleTransmitter TransceiverRole = "transmitter"
	RoleReceiver    TransceiverRole = "receiver"
)

// EarthEquatorialRadius in meters; semi-major axes must exceed it.
const EarthEquatorialRadius = 6378137.0

// ScenarioRequest opens a named scenario over an analysis period.
type ScenarioRequest struct {
	Name  string    `json:"name" validate:"required,object_name"`
	Start time.Time `json:"start" validate:"required"`
	Stop  time.Time `json:"stop" validate:"required,gtfield=Start"`
}

// Geodetic is a WGS84 position. Altitude is in meters.
type Geodetic struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
	Altitude  float64 `json:"altitude" validate:"gte=-500,lte=100000000"`
}

// OrbitalElements are classical two-body elements. Lengths in meters,
// angles in degrees.
type OrbitalElements struct {
	SemiMajorAxis float64 `json:"semi_major_axis" validate:"gt=6378137"`
	Eccentricity  float64 `json:"eccentricity" validate:"gte=0,lt=1"`
	Inclination   float64 `json:"inclination" validate:"gte=0,lte=180"`
	ArgOfPerigee  float64 `json:"arg_of_perigee" validate:"gte=0,lt=360"`
	TrueAnomaly   float64 `json:"true_anomaly" validate:"gte=0,lt=360"`
}

// AssetDescriptor describes a platform to add to the scenario.
// Stationary kinds need Position; satellites need exactly one of Orbit or
// GeoLongitude.
type AssetDescriptor struct {
	Name         string           `json:"name" validate:"required,object_name"`
	Kind         AssetKind        `json:"kind" validate:"required,oneof=satellite aircraft facility target place"`
	Position     *Geodetic        `json:"position,omitempty" validate:"omitempty"`
	Orbit        *OrbitalElements `json:"orbit,omitempty" validate:"omitempty"`
	GeoLongitude *float64         `json:"geo_longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
}

// SensorDescriptor attaches a simple conic sensor to an asset.
type SensorDescriptor struct {
	Name          string  `json:"name" validate:"required,object_name"`
	Parent        string  `json:"parent" validate:"required,object_name"`
	ConeHalfAngle float64 `json:"cone_half_angle" validate:"gt=0,lte=180"`
}

// TransceiverDescriptor attaches a transmitter or receiver to an asset.
// PowerDBm is the transmitter EIRP and is ignored for receivers.
type TransceiverDescriptor struct {
	Name         string          `json:"name" validate:"required,object_name"`
	Parent       string          `json:"parent" validate:"required,object_name"`
	Role         TransceiverRole `json:"role" validate:"required,oneof=transmitter receiver"`
	FrequencyMHz float64         `json:"frequency_mhz" validate:"gt=0,lte=300000"`
	PowerDBm     float64         `json:"power_dbm" validate:"gte=-200,lte=200"`
}

// AccessRequest asks for visibility intervals between two objects.
type AccessRequest struct {
	From string `json:"from" validate:"required,object_name"`
	To   string `json:"to" validate:"required,object_name,nefield=From"`
}

// AERRequest asks for sampled azimuth, elevation and range.
type AERRequest struct {
	AccessRequest
	Step time.Duration `json:"step" validate:"gt=0"`
}

// LinkRequest asks for a link budget between a transmitter and a receiver.
type LinkRequest struct {
	Transmitter string        `json:"transmitter" validate:"required,object_name"`
	Receiver    string        `json:"receiver" validate:"required,object_name,nefield=Transmitter"`
	Step        time.Duration `json:"step" validate:"gt=0"`
}

// CoverageRequest asks for the coverage of a region by an asset or sensor.
type CoverageRequest struct {
	Asset  string `json:"asset" validate:"required,object_name"`
	Region string `json:"region" validate:"required,object_name"`
}

// ScreenshotRequest captures the current view, optionally after advancing
// the scenario clock to At.
type ScreenshotRequest struct {
	Path     string     `json:"path" validate:"required,relative_path"`
	At       *time.Time `json:"at,omitempty"`
	ViewMode string     `json:"view_mode" validate:"omitempty,oneof=2D 3D"`
}

// ============================================================
// Validation
// ============================================================

// ErrInvalidRequest is matched by every RequestError.
var ErrInvalidRequest = errors.New("invalid request")

// FieldError is one violated rule.
type FieldError struct {
	Field   string
	Rule    string
	Message string
}

// RequestError lists the rules a request violates.
type RequestError struct {
	Request string
	Fields  []FieldError
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Message)
	}
	return fmt.Sprintf("invalid %s: %s", e.Request, strings.Join(msgs, "; "))
}

// Is matches ErrInvalidRequest.
func (e *RequestError) Is(target error) bool {
	return target == ErrInvalidRequest
}

var (
	objectNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)
	validate          = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("object_name", func(fl validator.FieldLevel) bool {
		return objectNamePattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("relative_path", func(fl validator.FieldLevel) bool {
		return validateRelativePath(fl.Field().String()) == nil
	})
	v.RegisterStructValidation(assetStructLevel, AssetDescriptor{})
	return v
}

// ValidName reports whether s is an acceptable object name.
func ValidName(s string) bool {
	return objectNamePattern.MatchString(s)
}

// Validate checks a request struct (or pointer to one) against its rules.
func Validate(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	name := fmt.Sprintf("%T", req)
	name = strings.TrimPrefix(strings.TrimPrefix(name, "*"), "contract.")
	reqErr := &RequestError{Request: name}
	for _, e := range verrs {
		reqErr.Fields = append(reqErr.Fields, FieldError{
			Field:   e.Namespace(),
			Rule:    e.Tag(),
			Message: formatFieldError(e),
		})
	}
	return reqErr
}

func assetStructLevel(sl validator.StructLevel) {
	a := sl.Current().Interface().(AssetDescriptor)

	switch {
	case a.Kind.Stationary():
		if a.Position == nil {
			sl.ReportError(a.Position, "Position", "Position", "position_required", "")
		}
		if a.Orbit != nil || a.GeoLongitude != nil {
			sl.ReportError(a.Orbit, "Orbit", "Orbit", "no_orbit", "")
		}
	case a.Kind == AssetSatellite:
		if (a.Orbit == nil) == (a.GeoLongitude == nil) {
			sl.ReportError(a.Orbit, "Orbit", "Orbit", "one_orbit", "")
		}
		if a.Position != nil {
			sl.ReportError(a.Position, "Position", "Position", "no_position", "")
		}
	}
}

func validateRelativePath(p string) error {
	if p == "" {
		return fmt.Errorf("path is empty")
	}
	if strings.ContainsAny(p, "\"\r\n\x00") {
		return fmt.Errorf("path contains quote or control characters")
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) || (len(p) > 1 && p[1] == ':') {
		return fmt.Errorf("path must be relative")
	}
	for _, part := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed")
		}
	}
	return nil
}

func formatFieldError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", e.Field())
	case "object_name":
		return fmt.Sprintf("%s %q is not a valid object name", e.Field(), e.Value())
	case "relative_path":
		return fmt.Sprintf("%s must be a relative path inside the job directory", e.Field())
	case "gt", "gte", "lt", "lte":
		return fmt.Sprintf("%s must be %s %s", e.Field(), e.Tag(), e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", e.Field(), e.Param())
	case "gtfield", "nefield":
		return fmt.Sprintf("%s must be %s %s", e.Field(), e.Tag(), e.Param())
	case "position_required":
		return "stationary assets need a geodetic position"
	case "no_orbit":
		return "stationary assets cannot carry orbital elements"
	case "one_orbit":
		return "satellites need exactly one of orbit or geo longitude"
	case "no_position":
		return "satellites are positioned by their orbit"
	default:
		return fmt.Sprintf("%s failed validation: %s", e.Field(), e.Tag())
	}
}
