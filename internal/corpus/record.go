package corpus

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrMalformedRecord marks a line that is not a usable DataCite record.
var ErrMalformedRecord = errors.New("malformed record")

// Document is the subset of a DataCite record the pipeline needs.
type Document struct {
	ID       string
	Creators []Creator
	// SkippedAffiliations counts affiliation entries that were neither a
	// non-empty string nor an object with a non-empty name.
	SkippedAffiliations int
}

// Creator is one entry of attributes.creators. Ordinal is its position in
// the source array, preserved even when earlier creators are skipped.
type Creator struct {
	Ordinal      int
	Name         string
	GivenName    string
	FamilyName   string
	Affiliations []Affiliation
}

// Affiliation is one usable affiliation entry of a creator.
type Affiliation struct {
	Ordinal    int
	Name       string
	Identifier string
	Scheme     string
	SchemeURI  string
}

// ExistingROR returns the organization identifier already asserted on the
// source record when it is a ROR identifier.
func (a Affiliation) ExistingROR() (string, bool) {
	id := strings.TrimSpace(a.Identifier)
	if id == "" {
		return "", false
	}
	if strings.EqualFold(a.Scheme, "ROR") || strings.Contains(strings.ToLower(id), "ror.org/") {
		return id, true
	}
	return "", false
}

// Affiliations counts the usable affiliation entries across all creators.
func (d Document) Affiliations() int {
	n := 0
	for _, c := range d.Creators {
		n += len(c.Affiliations)
	}
	return n
}

// Parse decodes one corpus line. The document id is taken from "id", falling
// back to "attributes.doi". Records that are not JSON objects or have no id
// return ErrMalformedRecord. Creators without a name are dropped.
// Affiliation entries may be plain strings or objects with a "name".
func Parse(line []byte) (Document, error) {
	if !gjson.ValidBytes(line) {
		return Document{}, ErrMalformedRecord
	}
	record := gjson.ParseBytes(line)
	if !record.IsObject() {
		return Document{}, ErrMalformedRecord
	}

	id := stringField(record.Get("id"))
	if id == "" {
		id = stringField(record.Get("attributes.doi"))
	}
	if id == "" {
		return Document{}, ErrMalformedRecord
	}

	doc := Document{ID: id}
	creators := record.Get("attributes.creators")
	if !creators.IsArray() {
		return doc, nil
	}
	for authorIdx, creator := range creators.Array() {
		name := stringField(creator.Get("name"))
		if name == "" {
			continue
		}
		c := Creator{
			Ordinal:    authorIdx,
			Name:       name,
			GivenName:  stringField(creator.Get("givenName")),
			FamilyName: stringField(creator.Get("familyName")),
		}
		affiliations := creator.Get("affiliation")
		if affiliations.IsArray() {
			for affIdx, entry := range affiliations.Array() {
				aff, ok := parseAffiliation(entry)
				if !ok {
					doc.SkippedAffiliations++
					continue
				}
				aff.Ordinal = affIdx
				c.Affiliations = append(c.Affiliations, aff)
			}
		}
		doc.Creators = append(doc.Creators, c)
	}
	return doc, nil
}

func parseAffiliation(entry gjson.Result) (Affiliation, bool) {
	switch {
	case entry.Type == gjson.String:
		if entry.Str == "" {
			return Affiliation{}, false
		}
		return Affiliation{Name: entry.Str}, true
	case entry.IsObject():
		name := stringField(entry.Get("name"))
		if name == "" {
			return Affiliation{}, false
		}
		return Affiliation{
			Name:       name,
			Identifier: stringField(entry.Get("affiliationIdentifier")),
			Scheme:     stringField(entry.Get("affiliationIdentifierScheme")),
			SchemeURI:  stringField(entry.Get("schemeUri")),
		}, true
	default:
		return Affiliation{}, false
	}
}

func stringField(r gjson.Result) string {
	if r.Type != gjson.String {
		return ""
	}
	return r.Str
}
