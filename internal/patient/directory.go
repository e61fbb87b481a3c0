// Package patient resolves patient ids to the names shown on call displays.
// The directory is an external service; displays must render without it.
package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentLookups = 8

var ErrNotFound = errors.New("patient not found")

type Patient struct {
	PatientID           string `json:"patient_id"`
	DisplayName         string `json:"display_name"`
	MedicalRecordNumber string `json:"medical_record_number"`
}

type Directory interface {
	Lookup(ctx context.Context, patientID string) (Patient, error)
}

type HTTPDirectory struct {
	baseURL string
	client  *http.Client
}

func NewHTTPDirectory(baseURL string) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

func (d *HTTPDirectory) Lookup(ctx context.Context, patientID string) (Patient, error) {
	endpoint := d.baseURL + "/patients/" + url.PathEscape(patientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Patient{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return Patient{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Patient{}, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return Patient{}, fmt.Errorf("patient directory: unexpected status %d", resp.StatusCode)
	}
	var patient Patient
	if err := json.NewDecoder(resp.Body).Decode(&patient); err != nil {
		return Patient{}, fmt.Errorf("patient directory: decode: %w", err)
	}
	if patient.PatientID == "" {
		patient.PatientID = patientID
	}
	return patient, nil
}

// Labeler turns patient ids into display labels. It never fails: a missing
// directory, unknown patient or slow lookup yields FallbackLabel.
type Labeler struct {
	directory Directory
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewLabeler accepts a nil directory; every label is then the fallback.
func NewLabeler(directory Directory, timeout time.Duration, logger zerolog.Logger) *Labeler {
	return &Labeler{directory: directory, timeout: timeout, logger: logger}
}

func (l *Labeler) Label(ctx context.Context, patientID string) string {
	if l == nil || l.directory == nil {
		return FallbackLabel(patientID)
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	patient, err := l.directory.Lookup(ctx, patientID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			l.logger.Warn().Err(err).Str("patient_id", patientID).Msg("patient lookup failed")
		}
		return FallbackLabel(patientID)
	}
	if name := strings.TrimSpace(patient.DisplayName); name != "" {
		return name
	}
	return FallbackLabel(patientID)
}

// Labels resolves several patient ids concurrently under one shared lookup
// deadline, so a slow directory delays a whole board by at most one timeout.
func (l *Labeler) Labels(ctx context.Context, patientIDs []string) map[string]string {
	labels := make(map[string]string, len(patientIDs))
	if l == nil || l.directory == nil {
		for _, id := range patientIDs {
			labels[id] = FallbackLabel(id)
		}
		return labels
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	unique := make([]string, 0, len(patientIDs))
	for _, id := range patientIDs {
		if _, seen := labels[id]; !seen {
			labels[id] = ""
			unique = append(unique, id)
		}
	}
	resolved := make([]string, len(unique))
	var g errgroup.Group
	g.SetLimit(maxConcurrentLookups)
	for i, id := range unique {
		i, id := i, id
		g.Go(func() error {
			resolved[i] = l.Label(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	for i, id := range unique {
		labels[id] = resolved[i]
	}
	return labels
}

func FallbackLabel(patientID string) string {
	short := patientID
	if len(short) > 8 {
		short = short[:8]
	}
	return "Patient " + short
}
