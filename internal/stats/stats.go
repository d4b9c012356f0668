// Package stats summarises login attempts for the dashboard.
package stats

import (
	"sort"
	"time"

	"rdpguard/internal/domain"
	"rdpguard/internal/geolite"
)

// TopN bounds every ranking.
const TopN = 15

type Entry struct {
	Key      string            `json:"key"`
	Count    int               `json:"count"`
	Location *geolite.Location `json:"location,omitempty"`
}

type Summary struct {
	Window              time.Duration `json:"-"`
	WindowHours         int           `json:"window_hours"`
	Total               int           `json:"total"`
	Failed              int           `json:"failed"`
	Succeeded           int           `json:"succeeded"`
	TopFailedAddresses  []Entry       `json:"top_failed_addresses"`
	TopSuccessAddresses []Entry       `json:"top_success_addresses"`
	TopFailedUsernames  []Entry       `json:"top_failed_usernames"`
}

// Summarize counts attempts by outcome and ranks addresses and usernames.
// Attempts without an address only count towards the username ranking.
// locator may be nil.
func Summarize(attempts []domain.LoginAttempt, window time.Duration, locator *geolite.Locator) Summary {
	failedAddrs := make(map[string]int)
	successAddrs := make(map[string]int)
	failedUsers := make(map[string]int)

	s := Summary{Window: window, WindowHours: int(window / time.Hour)}
	for _, a := range attempts {
		s.Total++
		if a.IsSuccess {
			s.Succeeded++
			if a.HasAddress() {
				successAddrs[a.Address]++
			}
			continue
		}
		s.Failed++
		if a.HasAddress() {
			failedAddrs[a.Address]++
		}
		if a.Username != "" && a.Username != "-" {
			failedUsers[a.Username]++
		}
	}

	s.TopFailedAddresses = annotate(top(failedAddrs), locator)
	s.TopSuccessAddresses = annotate(top(successAddrs), locator)
	s.TopFailedUsernames = top(failedUsers)
	return s
}

func top(counts map[string]int) []Entry {
	entries := make([]Entry, 0, len(counts))
	for k, n := range counts {
		entries = append(entries, Entry{Key: k, Count: n})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Key < entries[j].Key
	})
	if len(entries) > TopN {
		entries = entries[:TopN]
	}
	return entries
}

func annotate(entries []Entry, locator *geolite.Locator) []Entry {
	if !locator.Available() {
		return entries
	}
	for i := range entries {
		loc := locator.Lookup(entries[i].Key)
		if loc != (geolite.Location{}) {
			entries[i].Location = &loc
		}
	}
	return entries
}
