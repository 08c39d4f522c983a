package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchKeywords(t *testing.T) {
	title := "Bando per la Transizione DIGITALE delle imprese"
	body := "Contributi a fondo perduto per attività culturali nella città di Roma"

	tests := []struct {
		name     string
		keywords []string
		want     []string
	}{
		{"case insensitive", []string{"digitale"}, []string{"digitale"}},
		{"accent insensitive", []string{"attivita", "Città"}, []string{"attivita", "Città"}},
		{"phrase", []string{"transizione digitale"}, []string{"transizione digitale"}},
		{"phrase order matters", []string{"digitale transizione"}, nil},
		{"plus requires all parts", []string{"roma+digitale", "roma+sociale"}, []string{"roma+digitale"}},
		{"substring", []string{"impres"}, []string{"impres"}},
		{"no match", []string{"agricoltura"}, nil},
		{"blank keyword ignored", []string{"  ", "+"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchKeywords(tt.keywords, title, body))
		})
	}
}

func TestMatchesAny(t *testing.T) {
	assert.True(t, MatchesAny([]string{"x", "digitale"}, "bando digitale"))
	assert.False(t, MatchesAny([]string{"digitale"}, ""))
	assert.False(t, MatchesAny(nil, "bando digitale"))
}
