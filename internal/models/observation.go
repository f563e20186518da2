package models

import (
	"bytes"
	"encoding/json"
)

// RawObservation is the O-A0003-001 response body.
type RawObservation struct {
	Records struct {
		Location []RawLocation `json:"location"`
	} `json:"records"`
}

// RawLocation is one station entry in records.location.
type RawLocation struct {
	LocationName string `json:"locationName"`
	Time         *struct {
		ObsTime string `json:"obsTime"`
	} `json:"time"`
	WeatherElement []RawElement `json:"weatherElement"`
}

// RawElement is a named reading. ElementValue keeps the raw token so both
// "22.9" and 22.9 decode.
type RawElement struct {
	ElementName  string       `json:"elementName"`
	ElementValue ElementValue `json:"elementValue"`
}

// ElementValue holds the unquoted text of an element value.
type ElementValue string

// UnmarshalJSON accepts a JSON string, number or null.
func (v *ElementValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*v = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = ElementValue(s)
		return nil
	}
	*v = ElementValue(b)
	return nil
}

// ObservationFields is the subset of a RawObservation used for display.
// Temperature and WindSpeed are nil when the source omits them.
type ObservationFields struct {
	ObservationTime string   `json:"observationTime"`
	LocationName    string   `json:"locationName"`
	Temperature     *float64 `json:"temperature"`
	WindSpeed       *float64 `json:"windSpeed"`
}

// DisplayState is the snapshot renderers read. It is copied by value; the
// pointer fields are never mutated after a snapshot is published.
type DisplayState struct {
	Location        string   `json:"location"`
	Description     string   `json:"description"`
	Temperature     *float64 `json:"temperature"`
	WindSpeed       *float64 `json:"windSpeed"`
	RainPossibility float64  `json:"rainPossibility"`
	ObservationTime string   `json:"observationTime"`
	IsLoading       bool     `json:"isLoading"`
	Error           string   `json:"error,omitempty"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
