package reconcile

import "affilink/internal/fingerprint"

const (
	identifierScheme = "ROR"
	schemeURI        = "https://ror.org"
	unknownName      = "Unknown"
)

// EnrichedRecord is one line of the enriched output.
type EnrichedRecord struct {
	DOI      string            `json:"doi"`
	Creators []EnrichedCreator `json:"creators"`
}

// EnrichedCreator lists a creator's affiliations in source order.
type EnrichedCreator struct {
	Name        string                `json:"name"`
	GivenName   string                `json:"givenName,omitempty"`
	FamilyName  string                `json:"familyName,omitempty"`
	Affiliation []EnrichedAffiliation `json:"affiliation"`
}

// EnrichedAffiliation carries the original text and, when resolved, the
// organization identifier.
type EnrichedAffiliation struct {
	Name                        string `json:"name"`
	AffiliationIdentifier       string `json:"affiliationIdentifier,omitempty"`
	AffiliationIdentifierScheme string `json:"affiliationIdentifierScheme,omitempty"`
	SchemeURI                   string `json:"schemeUri,omitempty"`
}

// ExistingAssignment is a relationship whose source record already named an
// organization.
type ExistingAssignment struct {
	DOI              string `json:"doi"`
	AuthorIndex      int    `json:"author_idx"`
	AuthorName       string `json:"author_name"`
	Affiliation      string `json:"affiliation"`
	OrganizationID   string `json:"organization_id"`
	OrganizationName string `json:"organization_name"`
}

// ExistingAggregate counts existing assignments per affiliation and
// organization.
type ExistingAggregate struct {
	Affiliation      string                  `json:"affiliation"`
	Fingerprint      fingerprint.Fingerprint `json:"fingerprint"`
	OrganizationID   string                  `json:"organization_id"`
	OrganizationName string                  `json:"organization_name"`
	Count            int                     `json:"count"`
}

// Disagreement types.
const (
	DisagreementUser  = "user"
	DisagreementMatch = "match"
)

// OrganizationCount is one organization asserted for an affiliation.
type OrganizationCount struct {
	OrganizationID   string `json:"organization_id"`
	OrganizationName string `json:"organization_name"`
	Count            int    `json:"count"`
}

// Disagreement reports an affiliation whose existing assignments conflict with
// each other (type user) or with the resolved match (type match).
type Disagreement struct {
	Type        string                  `json:"type"`
	Affiliation string                  `json:"affiliation"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`

	Organizations []OrganizationCount `json:"organizations,omitempty"`

	ExistingID    string `json:"existing_organization_id,omitempty"`
	ExistingName  string `json:"existing_organization_name,omitempty"`
	ExistingCount int    `json:"existing_count,omitempty"`
	MatchedID     string `json:"matched_organization_id,omitempty"`
	MatchedName   string `json:"matched_organization_name,omitempty"`
}
