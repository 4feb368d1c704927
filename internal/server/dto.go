package server

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"

	billrepo "github.com/katiba-labs/katiba/internal/repository/bill"
	engagementrepo "github.com/katiba-labs/katiba/internal/repository/engagement"
	provisionrepo "github.com/katiba-labs/katiba/internal/repository/provision"
	reviewrepo "github.com/katiba-labs/katiba/internal/repository/review"
	vulnrepo "github.com/katiba-labs/katiba/internal/repository/vulnerability"
)

type createProvisionRequest struct {
	Kind      string `json:"kind"`
	ParentID  *int64 `json:"parent_id"`
	Ordinal   int    `json:"ordinal"`
	Numbering string `json:"numbering"`
	Body      string `json:"body"`
}

func (r createProvisionRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Kind, validation.Required, validation.In(
			provisionrepo.KindChapter, provisionrepo.KindArticle,
			provisionrepo.KindSection, provisionrepo.KindClause)),
		validation.Field(&r.Ordinal, validation.Min(1)),
		validation.Field(&r.Numbering, validation.Required),
	)
}

type moveProvisionRequest struct {
	ParentID *int64 `json:"parent_id"`
	Ordinal  int    `json:"ordinal"`
}

func (r moveProvisionRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Ordinal, validation.Min(1)),
	)
}

type createBillRequest struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Chamber string `json:"chamber"`
	Sponsor string `json:"sponsor"`
}

func (r createBillRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Title, validation.Required, validation.Length(1, 512)),
		validation.Field(&r.Chamber, validation.Required, validation.In(
			billrepo.ChamberNationalAssembly, billrepo.ChamberSenate)),
	)
}

type transitionBillRequest struct {
	Status string `json:"status"`
}

func (r transitionBillRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Status, validation.Required, validation.In(
			billrepo.StatusIntroduced, billrepo.StatusCommittee,
			billrepo.StatusPassed, billrepo.StatusEnacted, billrepo.StatusWithdrawn)),
	)
}

type submitEngagementRequest struct {
	CitizenID  string `json:"citizen_id"`
	Kind       string `json:"kind"`
	Content    string `json:"content"`
	CorrectsID *int64 `json:"corrects_id"`
}

func (r submitEngagementRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.CitizenID, validation.Required),
		validation.Field(&r.Kind, validation.Required, validation.In(
			engagementrepo.KindComment, engagementrepo.KindVote, engagementrepo.KindVerification)),
		validation.Field(&r.Content, validation.Length(0, 10000)),
	)
}

type reviewDecisionRequest struct {
	Finding   string `json:"finding"`
	Rationale string `json:"rationale"`
}

func (r reviewDecisionRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Finding, validation.Required, validation.In(
			reviewrepo.FindingViolation, reviewrepo.FindingCompliant, reviewrepo.FindingInconclusive)),
		validation.Field(&r.Rationale, validation.Required),
	)
}

type createVulnerabilityRequest struct {
	Description  string  `json:"description"`
	Source       string  `json:"source"`
	Severity     int     `json:"severity"`
	Status       string  `json:"status"`
	ProvisionIDs []int64 `json:"provision_ids"`
}

func (r createVulnerabilityRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Description, validation.Required),
		validation.Field(&r.Source, validation.Required, validation.In(
			vulnrepo.SourceInheritedUK, vulnrepo.SourceInheritedUS, vulnrepo.SourceKenyaSpecific)),
		validation.Field(&r.Severity, validation.Required, validation.Min(1), validation.Max(5)),
		validation.Field(&r.ProvisionIDs, validation.Required, validation.Length(1, 0)),
	)
}

type vulnerabilityStatusRequest struct {
	Status string `json:"status"`
}

func (r vulnerabilityStatusRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Status, validation.Required, validation.In(
			vulnrepo.StatusTheoretical, vulnrepo.StatusOngoing, vulnrepo.StatusHistoricallyExploited)),
	)
}
