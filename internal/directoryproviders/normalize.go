package directoryproviders

import (
	"encoding/json"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// cleanName trims and NFC-normalizes display names so that visually equal
// names coming from different clients compare equal.
func cleanName(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// parentRef maps the platform's "no parent" markers to the empty string and
// detaches the configured scope root from whatever sits above it.
func parentRef(id, parent, scopeRoot string) string {
	parent = strings.TrimSpace(parent)
	if parent == "0" || (scopeRoot != "" && id == scopeRoot) {
		return ""
	}
	return parent
}

func idString(v int64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}

func idStrings(vs []int64) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		if id := idString(v); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// flexInt decodes integers that some endpoints send as JSON strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n := json.Number(s)
	v, err := n.Int64()
	if err != nil {
		fv, ferr := n.Float64()
		if ferr != nil {
			return err
		}
		v = int64(fv)
	}
	*f = flexInt(v)
	return nil
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
