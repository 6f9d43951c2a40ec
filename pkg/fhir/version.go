package fhir

import (
	"fmt"
	"mime"
	"net/http"
	"strings"
)

// HeaderFHIRVersion is the fallback header some servers use to announce the
// protocol version when the Content-Type carries no fhirVersion parameter.
const HeaderFHIRVersion = "X-FHIR-Version"

// Version describes one protocol revision of the FHIR API.
type Version struct {
	// Name is the release name, e.g. "R4B".
	Name string `json:"name" yaml:"name"`

	// Number is the "major.minor" version announced in media types.
	Number string `json:"number" yaml:"number"`

	// MediaType is sent as Accept and Content-Type.
	MediaType string `json:"media_type" yaml:"media_type"`
}

// Supported protocol versions.
var (
	STU3 = Version{Name: "STU3", Number: "3.0", MediaType: "application/fhir+json; fhirVersion=3.0"}
	R4B  = Version{Name: "R4B", Number: "4.3", MediaType: "application/fhir+json; fhirVersion=4.3"}
	R5   = Version{Name: "R5", Number: "5.0", MediaType: "application/fhir+json; fhirVersion=5.0"}

	// DefaultVersion is used when a Config leaves Version unset.
	DefaultVersion = R4B
)

// Versions lists every supported version, oldest first.
func Versions() []Version {
	return []Version{STU3, R4B, R5}
}

// ParseVersion accepts a release name ("r4b") or a version number ("4.3").
func ParseVersion(value string) (Version, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultVersion, nil
	}

	for _, version := range Versions() {
		if strings.EqualFold(version.Name, value) || version.Number == value {
			return version, nil
		}
	}

	return Version{}, fmt.Errorf("%w: %s", ErrUnknownVersion, value)
}

// IsZero reports whether v is the zero Version.
func (v Version) IsZero() bool {
	return v.Name == "" && v.Number == ""
}

// Major returns the major component of the version number.
func (v Version) Major() string {
	return MajorOf(v.Number)
}

// String returns the release name.
func (v Version) String() string {
	return v.Name
}

// MajorOf returns the part of a dotted version string before the first dot.
func MajorOf(version string) string {
	major, _, _ := strings.Cut(strings.TrimSpace(version), ".")

	return major
}

// VersionFromHeader returns the protocol version a response announces, read
// from the fhirVersion parameter of its Content-Type or, failing that, from
// the X-FHIR-Version header.
func VersionFromHeader(header http.Header) (string, bool) {
	if contentType := header.Get("Content-Type"); contentType != "" {
		_, params, err := mime.ParseMediaType(contentType)
		if err == nil {
			if version, ok := params["fhirversion"]; ok && version != "" {
				return version, true
			}
		}
	}

	if version := strings.TrimSpace(header.Get(HeaderFHIRVersion)); version != "" {
		return version, true
	}

	return "", false
}
