package runtime

import (
	"strings"
	"testing"
)

func TestStatusString(t *testing.T) {
	cases := []struct {
		info PythonInfo
		want string
	}{
		{PythonInfo{Command: "python", Available: false}, "not found"},
		{PythonInfo{Command: "/usr/bin/python3", Available: true}, "/usr/bin/python3"},
		{PythonInfo{Command: "/usr/bin/python3", Available: true, Version: "Python 3.12.4"}, "Python 3.12.4"},
	}
	for _, tc := range cases {
		if got := tc.info.StatusString(); !strings.Contains(got, tc.want) {
			t.Errorf("StatusString(%+v) = %q, want substring %q", tc.info, got, tc.want)
		}
	}
}

func TestProbePythonAlwaysHasCommand(t *testing.T) {
	info := ProbePython()
	if info.Command == "" {
		t.Fatal("probe returned an empty command")
	}
	if info.Available && info.Version == "" {
		t.Log("interpreter found but --version produced no output")
	}
}
