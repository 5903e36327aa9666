package sync

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/JohanCodinha/reportq/internal/queue"
)

// ErrInvalid is wrapped by local validation failures. Such a report will be
// rejected by the backend as is, so it is not retried automatically.
var ErrInvalid = errors.New("invalid report")

const (
	minTitleLen       = 10
	maxTitleLen       = 100
	minDescriptionLen = 20
	maxDescriptionLen = 1000

	// DefaultCategory is used for categories the backend does not know.
	DefaultCategory = "construction_debris"
)

// categories maps form and legacy category values to backend enum values.
var categories = map[string]string{
	"bad_roads":           "bad_roads",
	"broken_streetlights": "broken_streetlights",
	"dump_sites":          "dump_sites",
	"floods":              "floods",
	"water_supply_issues": "water_supply_issues",
	"bad_traffic_signals": "bad_traffic_signals",
	"poor_drainages":      "poor_drainages",
	"erosion_sites":       "erosion_sites",
	"collapsed_bridges":   "collapsed_bridges",
	"open_manholes":       "open_manholes",
	"unsafe_crossings":    "unsafe_crossings",
	"construction_debris": "construction_debris",

	// legacy values
	"pothole":             "bad_roads",
	"road-damage":         "bad_roads",
	"road_infrastructure": "bad_roads",
	"streetlight":         "broken_streetlights",
	"street_lighting":     "broken_streetlights",
	"water-supply":        "water_supply_issues",
	"water_supply":        "water_supply_issues",
	"water_systems":       "water_supply_issues",
	"traffic_signal":      "bad_traffic_signals",
	"traffic-light":       "bad_traffic_signals",
	"traffic_management":  "bad_traffic_signals",
	"drainage":            "poor_drainages",
	"drainage_systems":    "poor_drainages",
	"sidewalk":            "unsafe_crossings",
	"public_facilities":   "construction_debris",
	"other":               "construction_debris",
}

// MapCategory returns the backend enum value for a category.
func MapCategory(category string) string {
	if c, ok := categories[strings.TrimSpace(category)]; ok {
		return c
	}
	return DefaultCategory
}

// validate checks the constraints the backend enforces and returns the
// mapped category.
func validate(issue queue.IssueData) (string, error) {
	if n := utf8.RuneCountInString(issue.Title); n < minTitleLen || n > maxTitleLen {
		return "", fmt.Errorf("%w: title must be between %d and %d characters (current: %d)",
			ErrInvalid, minTitleLen, maxTitleLen, n)
	}
	if n := utf8.RuneCountInString(issue.Description); n < minDescriptionLen || n > maxDescriptionLen {
		return "", fmt.Errorf("%w: description must be between %d and %d characters (current: %d)",
			ErrInvalid, minDescriptionLen, maxDescriptionLen, n)
	}
	return MapCategory(issue.Category), nil
}

// Validate reports whether issue would pass the checks applied before sync.
func Validate(issue queue.IssueData) error {
	_, err := validate(issue)
	return err
}
