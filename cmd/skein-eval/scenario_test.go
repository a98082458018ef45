package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeScenarios(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenarios.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write scenarios: %v", err)
	}
	return path
}

func TestLoadSuiteValidates(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		body string
		ok   bool
	}{
		{"valid", `
scenarios:
  - id: hello
    prompt: say hello
    turns:
      - content: hello
`, true},
		{"missing id", `
scenarios:
  - prompt: say hello
    turns:
      - content: hello
`, false},
		{"missing prompt", `
scenarios:
  - id: hello
    turns:
      - content: hello
`, false},
		{"no turns", `
scenarios:
  - id: hello
    prompt: say hello
`, false},
		{"duplicate ids", `
scenarios:
  - id: hello
    prompt: a
    turns: [{content: x}]
  - id: hello
    prompt: b
    turns: [{content: y}]
`, false},
		{"empty", `scenarios: []`, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := loadSuite(writeScenarios(t, tc.body))
			if tc.ok && err != nil {
				t.Fatalf("loadSuite: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("loadSuite should fail")
			}
		})
	}
}

func TestRunScenarioToolRoundTrip(t *testing.T) {
	s, err := loadSuite(writeScenarios(t, `
scenarios:
  - id: write-then-answer
    prompt: create the greeting file
    turns:
      - calls:
          - name: fs.write
            args: {path: hello.txt, content: "hi there"}
      - content: "Created hello.txt."
    expect:
      stop_reason: complete
      must_contain: ["Created hello.txt"]
      tool_calls: [fs.write]
      workspace_files:
        hello.txt: "hi there"
      max_rounds: 2
`))
	if err != nil {
		t.Fatalf("loadSuite: %v", err)
	}

	res := runScenario(s.Scenarios[0], false)
	if !res.Passed {
		t.Fatalf("scenario failed: %v", res.Problems)
	}
	if res.Rounds != 2 {
		t.Fatalf("rounds = %d, want 2", res.Rounds)
	}
}

func TestRunScenarioDetectsWrongOutput(t *testing.T) {
	s, err := loadSuite(writeScenarios(t, `
scenarios:
  - id: wrong-text
    prompt: say the magic word
    turns:
      - content: "something else"
    expect:
      must_contain: ["magic"]
`))
	if err != nil {
		t.Fatalf("loadSuite: %v", err)
	}

	res := runScenario(s.Scenarios[0], false)
	if res.Passed {
		t.Fatal("scenario should fail on missing must_contain text")
	}
}

func TestRunScenarioRoundCeiling(t *testing.T) {
	s, err := loadSuite(writeScenarios(t, `
scenarios:
  - id: runaway
    prompt: loop forever
    max_rounds: 3
    turns:
      - calls:
          - name: fs.list
            args: {path: "."}
    expect:
      stop_reason: round_limit
`))
	if err != nil {
		t.Fatalf("loadSuite: %v", err)
	}

	res := runScenario(s.Scenarios[0], false)
	if !res.Passed {
		t.Fatalf("scenario failed: %v", res.Problems)
	}
}

func TestRunScenarioBackendFailure(t *testing.T) {
	s, err := loadSuite(writeScenarios(t, `
scenarios:
  - id: backend-down
    prompt: anything
    turns:
      - fail: true
    expect:
      stop_reason: backend_error
`))
	if err != nil {
		t.Fatalf("loadSuite: %v", err)
	}

	res := runScenario(s.Scenarios[0], false)
	if !res.Passed {
		t.Fatalf("scenario failed: %v", res.Problems)
	}
}
