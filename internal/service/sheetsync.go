package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"trial-license-system/internal/config"
	"trial-license-system/internal/logger"
	"trial-license-system/internal/model"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetMirror keeps a copy of every license key row in a Google sheet, one
// row per key, columns A to K.
type SheetMirror struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	log           *slog.Logger
}

// NewSheetMirror builds the mirror from a service account credentials file.
// It returns nil when the mirror is disabled; a nil mirror is a no-op.
func NewSheetMirror(ctx context.Context, cfg config.SheetsConfig, log *slog.Logger) (*SheetMirror, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	b, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read sheets credentials: %w", err)
	}

	creds, err := google.CredentialsFromJSON(ctx, b, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("load sheets credentials: %w", err)
	}

	return NewSheetMirrorWithOptions(ctx, cfg.SpreadsheetID, cfg.SheetName, log, option.WithCredentials(creds))
}

// NewSheetMirrorWithOptions builds the mirror with explicit client options.
func NewSheetMirrorWithOptions(ctx context.Context, spreadsheetID, sheetName string, log *slog.Logger, opts ...option.ClientOption) (*SheetMirror, error) {
	srv, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	if sheetName == "" {
		sheetName = "Licenses"
	}
	return &SheetMirror{
		service:       srv,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		log:           logger.Or(log).With(slog.String("component", "sheet_mirror")),
	}, nil
}

// MirrorLicense updates the row of the key in place, or appends one when
// the key is not in the sheet yet.
func (s *SheetMirror) MirrorLicense(ctx context.Context, license *model.LicenseKey) error {
	if s == nil {
		return nil
	}

	keyResp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A2:A").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("read sheet keys: %w", err)
	}

	rowIndex := 0
	for i, row := range keyResp.Values {
		if len(row) > 0 && fmt.Sprint(row[0]) == license.Key {
			rowIndex = i + 2
			break
		}
	}

	values := &sheets.ValueRange{Values: [][]any{licenseRow(license)}}
	if rowIndex > 0 {
		rangeData := fmt.Sprintf("%s!A%d:K%d", s.sheetName, rowIndex, rowIndex)
		_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, rangeData, values).
			ValueInputOption("USER_ENTERED").Context(ctx).Do()
	} else {
		_, err = s.service.Spreadsheets.Values.Append(s.spreadsheetID, s.sheetName+"!A2:K", values).
			ValueInputOption("USER_ENTERED").Context(ctx).Do()
	}
	if err != nil {
		return fmt.Errorf("write sheet row: %w", err)
	}

	s.log.DebugContext(ctx, "license mirrored",
		slog.String("key", license.Key),
		slog.Bool("appended", rowIndex == 0),
	)
	return nil
}

func licenseRow(l *model.LicenseKey) []any {
	return []any{
		l.Key,
		l.ClientID,
		l.DeviceFingerprint,
		l.LicenseType,
		string(l.Status),
		strconv.Itoa(l.MaxCredits),
		strconv.Itoa(l.ActivationCount),
		l.ExpiresAt.UTC().Format(time.RFC3339),
		formatOptional(l.ActivatedAt),
		formatOptional(l.RevokedAt),
		l.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
