package dap

import (
	"strings"
	"testing"
)

func TestListConfig(t *testing.T) {
	custom := defaultSettings()
	custom.DisplayFormat = "hex"
	custom.EvaluationTimeout = 2.5
	custom.SourceLanguages = []string{"cpp", "rust"}

	tests := []struct {
		name     string
		settings sessionSettings
		want     []string
	}{
		{
			name:     "default values",
			settings: defaultSettings(),
			want: []string{
				"displayFormat\tauto\n",
				"showDisassembly\tauto\n",
				"dereferencePointers\ttrue\n",
				"evaluationTimeout\t5\n",
				"consoleMode\tcommands\n",
				"sourceLanguages\t[cpp]\n",
			},
		},
		{
			name:     "custom values",
			settings: custom,
			want: []string{
				"displayFormat\thex\n",
				"evaluationTimeout\t2.5\n",
				"sourceLanguages\t[cpp rust]\n",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := listConfig(&tt.settings)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("listConfig() = %q, want it to contain %q", got, w)
				}
			}
		})
	}
}

func TestConfigureSet(t *testing.T) {
	tests := []struct {
		name    string
		args    string
		check   func(s *sessionSettings) bool
		wantErr bool
	}{
		{
			name:  "string",
			args:  "displayFormat hex",
			check: func(s *sessionSettings) bool { return s.DisplayFormat == "hex" },
		},
		{
			name:  "bool",
			args:  "dereferencePointers false",
			check: func(s *sessionSettings) bool { return !s.DereferencePointers },
		},
		{
			name:  "float",
			args:  "summaryTimeout 0.5",
			check: func(s *sessionSettings) bool { return s.SummaryTimeout == 0.5 },
		},
		{
			name: "string list",
			args: `sourceLanguages cpp "rust"`,
			check: func(s *sessionSettings) bool {
				return len(s.SourceLanguages) == 2 && s.SourceLanguages[1] == "rust"
			},
		},
		{
			name:  "list only",
			args:  "consoleMode",
			check: func(s *sessionSettings) bool { return s.ConsoleMode == consoleCommands },
		},
		{
			name:    "bad bool",
			args:    "containerSummary maybe",
			wantErr: true,
		},
		{
			name:    "unknown parameter",
			args:    "stackTraceDepth 10",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := defaultSettings()
			_, err := configureSet(&s, tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("configureSet(%q) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
			if tt.check != nil && !tt.check(&s) {
				t.Errorf("configureSet(%q) did not apply: %#v", tt.args, s)
			}
		})
	}
}

func TestConfigureSourceMap(t *testing.T) {
	tests := []struct {
		name      string
		rules     [][2]string
		rest      string
		wantRules [][2]string
		wantErr   bool
	}{
		{
			name:      "add rule",
			rest:      "/build/src /home/me/src",
			wantRules: [][2]string{{"/build/src", "/home/me/src"}},
		},
		{
			name:      "add rule (multiple)",
			rules:     [][2]string{{"/a", "/b"}},
			rest:      "/c /b",
			wantRules: [][2]string{{"/a", "/b"}, {"/c", "/b"}},
		},
		{
			name:      "add rule to empty string",
			rest:      `/build/src ""`,
			wantRules: [][2]string{{"/build/src", ""}},
		},
		{
			name:      "modify rule",
			rules:     [][2]string{{"/a", "/b"}, {"/c", "/d"}},
			rest:      "/c /new",
			wantRules: [][2]string{{"/a", "/b"}, {"/c", "/new"}},
		},
		{
			name:      "delete rule",
			rules:     [][2]string{{"/a", "/b"}, {"/c", "/d"}},
			rest:      "/a",
			wantRules: [][2]string{{"/c", "/d"}},
		},
		{
			name:      "error on delete nonexistent rule",
			rules:     [][2]string{{"/a", "/b"}},
			rest:      "/b",
			wantRules: [][2]string{{"/a", "/b"}},
			wantErr:   true,
		},
		{
			name:    "error on too many arguments",
			rest:    "/a /b /c",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newSourceMap()
			for _, r := range tt.rules {
				to := r[1]
				m.addRule(r[0], &to)
			}
			err := configureSourceMap(m, tt.rest)
			if (err != nil) != tt.wantErr {
				t.Fatalf("configureSourceMap() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(m.rules) != len(tt.wantRules) {
				t.Fatalf("configureSourceMap() got %d rules, want %v", len(m.rules), tt.wantRules)
			}
			for i, want := range tt.wantRules {
				got := m.rules[i]
				if got.from != want[0] || got.to == nil || *got.to != want[1] {
					t.Errorf("rule %d = %q -> %v, want %q", i, got.from, got.to, want)
				}
			}
		})
	}
}

func TestListSourceMap(t *testing.T) {
	m := newSourceMap()
	to := "/local"
	m.addRule("/remote", &to)
	m.addRule("/hidden", nil)
	want := "sourceMap\t[/remote -> /local, /hidden -> <hidden>]\n"
	if got := listSourceMap(m); got != want {
		t.Errorf("listSourceMap() = %q, want %q", got, want)
	}
}
