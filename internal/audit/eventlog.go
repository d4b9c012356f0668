package audit

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"rdpguard/internal/domain"
	"rdpguard/internal/support"

	"github.com/charmbracelet/log"
)

// EventLogSource queries the Windows Security log through wevtutil.
type EventLogSource struct {
	run support.CommandRunner
}

func NewEventLogSource(run support.CommandRunner) *EventLogSource {
	if run == nil {
		run = support.RunCommand
	}
	return &EventLogSource{run: run}
}

func logonQuery(lookback time.Duration) string {
	return fmt.Sprintf(
		"*[System[(EventID=%d or EventID=%d) and TimeCreated[timediff(@SystemTime) <= %d]]]",
		domain.EventLogonFailure, domain.EventLogonSuccess, lookback.Milliseconds(),
	)
}

func (s *EventLogSource) Query(ctx context.Context, lookback time.Duration) ([]domain.LoginAttempt, error) {
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}

	out, err := s.run(ctx, "wevtutil", "qe", "Security", "/q:"+logonQuery(lookback), "/f:xml", "/rd:true")
	if err != nil {
		return nil, classifyWevtutilError(string(out), err)
	}

	attempts, err := parseEvents(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("audit: parse events: %w", err)
	}
	log.Debug("Security log queried", "lookback", lookback, "attempts", len(attempts))
	return attempts, nil
}

func classifyWevtutilError(output string, err error) error {
	lower := strings.ToLower(output)
	switch {
	case errors.Is(err, exec.ErrNotFound):
		return fmt.Errorf("%w: wevtutil not found", ErrUnavailable)
	case strings.Contains(lower, "access is denied"), strings.Contains(lower, "unauthorized"):
		return fmt.Errorf("%w: %s", ErrPermission, strings.TrimSpace(output))
	default:
		return fmt.Errorf("%w: %v: %s", ErrUnavailable, err, strings.TrimSpace(output))
	}
}

type eventRecord struct {
	System struct {
		EventID     int `xml:"EventID"`
		TimeCreated struct {
			SystemTime string `xml:"SystemTime,attr"`
		} `xml:"TimeCreated"`
	} `xml:"System"`
	Data []struct {
		Name  string `xml:"Name,attr"`
		Value string `xml:",chardata"`
	} `xml:"EventData>Data"`
}

// parseEvents decodes the stream of root-less <Event> elements printed by
// "wevtutil qe /f:xml". Attempts without a source address are dropped.
func parseEvents(r io.Reader) ([]domain.LoginAttempt, error) {
	dec := xml.NewDecoder(r)
	var attempts []domain.LoginAttempt

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return attempts, nil
		}
		if err != nil {
			return attempts, err
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "Event" {
			continue
		}

		var rec eventRecord
		if err := dec.DecodeElement(&rec, &start); err != nil {
			return attempts, err
		}

		attempt := domain.LoginAttempt{
			EventID:   rec.System.EventID,
			IsSuccess: rec.System.EventID == domain.EventLogonSuccess,
		}
		if ts, err := time.Parse(time.RFC3339Nano, rec.System.TimeCreated.SystemTime); err == nil {
			attempt.Timestamp = ts
		}
		for _, d := range rec.Data {
			switch d.Name {
			case "IpAddress":
				attempt.Address = strings.TrimSpace(d.Value)
			case "TargetUserName":
				attempt.Username = strings.TrimSpace(d.Value)
			}
		}

		if !attempt.HasAddress() {
			continue
		}
		attempts = append(attempts, attempt)
	}
}
