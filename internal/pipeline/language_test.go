package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"empty", "", ""},
		{"english", englishText + "\n" + englishText, "en"},
		{"german", "Der schnelle braune Fuchs springt über den faulen Hund und läuft dann weiter in den dunklen Wald hinein.", "de"},
		{
			"majority wins",
			englishText + "\n" + englishText + "\nEl pequeño pueblo despertaba lentamente mientras los pescadores preparaban sus barcos.",
			"en",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectLanguage(tt.text))
		})
	}
}
