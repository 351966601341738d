package party

import (
	"errors"
	"fmt"
	"strings"

	"github.com/confmatch/confmatch-api/internal/types"
	"github.com/confmatch/confmatch-api/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/gocarina/gocsv"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service manages the counterparty directory.
type Service struct {
	db *Database
}

// NewService creates a new party directory service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// importRow is the CSV row shape accepted by the directory import.
type importRow struct {
	Code      string `csv:"Code"`
	LegalName string `csv:"LegalName"`
	BIC       string `csv:"BIC"`
}

// ImportSummary reports what a directory import changed.
type ImportSummary struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Skipped []string `json:"skipped,omitempty"`
}

// Register adds a single party to the directory.
func (s *Service) Register(party *types.PartyCode) error {
	party.Code = strings.ToUpper(strings.TrimSpace(party.Code))
	party.LegalName = strings.TrimSpace(party.LegalName)
	party.BIC = strings.ToUpper(strings.TrimSpace(party.BIC))
	if party.Code == "" {
		return errors.New("party code is required")
	}
	if party.LegalName == "" {
		return errors.New("party legal name is required")
	}
	party.Active = true

	return s.db.Create(party)
}

// Resolve looks up an active directory entry by party code.
func (s *Service) Resolve(code string) (*types.PartyCode, error) {
	return s.db.GetActiveByCode(strings.ToUpper(strings.TrimSpace(code)))
}

// ListParties returns the full directory ordered by code.
func (s *Service) ListParties() ([]types.PartyCode, error) {
	return s.db.List()
}

// ImportCSV loads directory rows from CSV content. Existing codes are
// updated in place and new codes created; rows missing a code or legal name
// are skipped and reported in the summary.
func (s *Service) ImportCSV(data []byte) (*ImportSummary, error) {
	logger := log.With().
		Str("service", "party").
		Logger()

	var rows []*importRow
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse party csv: %w", err)
	}

	summary := &ImportSummary{}
	parties := make([]*types.PartyCode, 0, len(rows))
	for i, row := range rows {
		code := strings.ToUpper(strings.TrimSpace(row.Code))
		legalName := strings.TrimSpace(row.LegalName)
		if code == "" || legalName == "" {
			summary.Skipped = append(summary.Skipped, fmt.Sprintf("row %d: code and legal name are required", i+1))
			continue
		}
		parties = append(parties, &types.PartyCode{
			Code:      code,
			LegalName: legalName,
			BIC:       strings.ToUpper(strings.TrimSpace(row.BIC)),
			Active:    true,
		})
	}

	created, updated, err := s.db.UpsertBatch(parties)
	if err != nil {
		logger.Error().Err(err).Msg("party import failed")
		return nil, err
	}
	summary.Created = created
	summary.Updated = updated

	logger.Info().
		Int("created", created).
		Int("updated", updated).
		Int("skipped", len(summary.Skipped)).
		Msg("imported party directory rows")

	return summary, nil
}

// GinHandlers contains HTTP handlers for party directory endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for party directory endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// RegisterPartyHandler handles POST requests to add one directory entry
func (h *GinHandlers) RegisterPartyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var party types.PartyCode
		if err := c.ShouldBindJSON(&party); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if strings.TrimSpace(party.Code) == "" || strings.TrimSpace(party.LegalName) == "" {
			response.BadRequest(c, "code and legal_name are required")
			return
		}

		if err := h.service.Register(&party); err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, party)
	}
}

// ImportPartiesHandler handles POST requests carrying a CSV body of
// directory rows
func (h *GinHandlers) ImportPartiesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		data, err := c.GetRawData()
		if err != nil {
			response.BadRequest(c, "failed to read request body")
			return
		}
		if len(data) == 0 {
			response.BadRequest(c, "CSV body is required")
			return
		}

		summary, err := h.service.ImportCSV(data)
		response.Handle(c, summary, err)
	}
}

// ListPartiesHandler handles GET requests for the full directory
func (h *GinHandlers) ListPartiesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		parties, err := h.service.ListParties()
		response.Handle(c, parties, err)
	}
}
