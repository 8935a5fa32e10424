package adapter

import (
	"reflect"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", nil},
		{"whitespace only", "   \t  ", nil},
		{"natural language stays whole", "fix the login bug in auth.go", []string{"fix the login bug in auth.go"}},
		{"flagged input is tokenized", "git log --oneline", []string{"git", "log", "--oneline"}},
		{"short flag", "ls -la", []string{"ls", "-la"}},
		{"trimmed", "  hello world  ", []string{"hello world"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseCommand(tt.input)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseCommand(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
