package audit

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"rdpguard/internal/domain"
)

const sampleEvents = `<Event xmlns='http://schemas.microsoft.com/win/2004/08/events/event'><System><Provider Name='Microsoft-Windows-Security-Auditing'/><EventID>4625</EventID><TimeCreated SystemTime='2024-03-01T10:15:30.1234567Z'/></System><EventData><Data Name='TargetUserName'>administrator</Data><Data Name='IpAddress'>203.0.113.9</Data><Data Name='IpPort'>51514</Data></EventData></Event>
<Event xmlns='http://schemas.microsoft.com/win/2004/08/events/event'><System><EventID>4624</EventID><TimeCreated SystemTime='2024-03-01T10:16:00Z'/></System><EventData><Data Name='TargetUserName'>alice</Data><Data Name='IpAddress'>198.51.100.20</Data></EventData></Event>
<Event xmlns='http://schemas.microsoft.com/win/2004/08/events/event'><System><EventID>4624</EventID><TimeCreated SystemTime='2024-03-01T10:17:00Z'/></System><EventData><Data Name='TargetUserName'>SYSTEM</Data><Data Name='IpAddress'>-</Data></EventData></Event>
<Event xmlns='http://schemas.microsoft.com/win/2004/08/events/event'><System><EventID>4625</EventID><TimeCreated SystemTime='2024-03-01T10:18:00Z'/></System><EventData><Data Name='TargetUserName'>guest</Data><Data Name='IpAddress'></Data></EventData></Event>
`

func TestParseEvents(t *testing.T) {
	attempts, err := parseEvents(strings.NewReader(sampleEvents))
	if err != nil {
		t.Fatalf("parseEvents returned error: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("parseEvents returned %d attempts, want 2", len(attempts))
	}

	failed := attempts[0]
	if failed.Address != "203.0.113.9" || failed.Username != "administrator" || failed.IsSuccess || failed.EventID != domain.EventLogonFailure {
		t.Fatalf("unexpected failed attempt %+v", failed)
	}
	wantTime := time.Date(2024, 3, 1, 10, 15, 30, 123456700, time.UTC)
	if !failed.Timestamp.Equal(wantTime) {
		t.Fatalf("Timestamp = %s, want %s", failed.Timestamp, wantTime)
	}

	if ok := attempts[1]; !ok.IsSuccess || ok.Username != "alice" {
		t.Fatalf("unexpected success attempt %+v", ok)
	}
}

func TestEventLogSourceQuery(t *testing.T) {
	var gotArgs []string
	source := NewEventLogSource(func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = append([]string{name}, args...)
		return []byte(sampleEvents), nil
	})

	attempts, err := source.Query(context.Background(), 6*time.Hour)
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("Query returned %d attempts, want 2", len(attempts))
	}

	joined := strings.Join(gotArgs, " ")
	if !strings.HasPrefix(joined, "wevtutil qe Security") {
		t.Fatalf("command = %q", joined)
	}
	if !strings.Contains(joined, "timediff(@SystemTime) <= 21600000") {
		t.Fatalf("query window missing from %q", joined)
	}
}

func TestEventLogSourceEmptyLog(t *testing.T) {
	source := NewEventLogSource(func(context.Context, string, ...string) ([]byte, error) {
		return nil, nil
	})
	attempts, err := source.Query(context.Background(), time.Hour)
	if err != nil || len(attempts) != 0 {
		t.Fatalf("Query returned %v, %v; want empty, nil", attempts, err)
	}
}

func TestEventLogSourceErrors(t *testing.T) {
	cases := []struct {
		name string
		out  string
		err  error
		want error
	}{
		{"access denied", "Failed to read events. Access is denied.", errors.New("exit status 5"), ErrPermission},
		{"missing tool", "", exec.ErrNotFound, ErrUnavailable},
		{"other", "The RPC server is unavailable.", errors.New("exit status 1722"), ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			source := NewEventLogSource(func(context.Context, string, ...string) ([]byte, error) {
				return []byte(tc.out), tc.err
			})
			if _, err := source.Query(context.Background(), time.Hour); !errors.Is(err, tc.want) {
				t.Fatalf("Query error = %v, want %v", err, tc.want)
			}
		})
	}
}
