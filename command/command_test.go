package command

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

func TestParseProgram(t *testing.T) {
	tests := []struct {
		input    string
		expected Program
		wantErr  bool
	}{
		{"", ProgramAwk, false},
		{"awk", ProgramAwk, false},
		{"Sed", ProgramSed, false},
		{"perl", "", true},
	}
	for _, tc := range tests {
		got, err := ParseProgram(tc.input)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseProgram(%q) error = %v, wantErr %v", tc.input, err, tc.wantErr)
		}
		if got != tc.expected {
			t.Errorf("ParseProgram(%q) = %q, want %q", tc.input, got, tc.expected)
		}
		if tc.wantErr && !errors.Is(err, ErrUnknownProgram) {
			t.Errorf("error should wrap ErrUnknownProgram: %v", err)
		}
	}
}

func TestTemplate(t *testing.T) {
	tests := []struct {
		name     string
		command  string
		isWrite  bool
		rendered string
	}{
		{"read only", "NR==1{ print; exit }", false, "NR==1{ print; exit }"},
		{"single placeholder", "s/^v=.*/v=$value$/", true, "s/^v=.*/v=42/"},
		{"two placeholders", "{ a=\"$value$\"; b=\"$value$\" }", true, "{ a=\"42\"; b=\"42\" }"},
		{"placeholder only", "$value$", true, "42"},
		{"dollar without placeholder", "{ print $1 }", false, "{ print $1 }"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tpl := ParseTemplate(tc.command)
			if tpl.IsWrite() != tc.isWrite {
				t.Errorf("IsWrite() = %v, want %v", tpl.IsWrite(), tc.isWrite)
			}
			if got := tpl.Render("42"); got != tc.rendered {
				t.Errorf("Render(42) = %q, want %q", got, tc.rendered)
			}
			if tpl.String() != tc.command {
				t.Errorf("String() = %q, want %q", tpl.String(), tc.command)
			}
		})
	}
}

func TestCompose(t *testing.T) {
	got := Compose(ProgramAwk, "NR==1{ print; exit }", "/data/values.txt")
	want := "awk 'NR==1{ print; exit }' /data/values.txt"
	if got != want {
		t.Errorf("Compose() = %q, want %q", got, want)
	}

	got = Compose(ProgramSed, "s/it's/it is/", "/tmp/my file")
	want = `sed 's/it'"'"'s/it is/' '/tmp/my file'`
	if got != want {
		t.Errorf("Compose() = %q, want %q", got, want)
	}
}

func TestWriteBack(t *testing.T) {
	got := WriteBack("a=1\nb=2\n", "/data/values.txt")
	if !strings.HasPrefix(got, "printf '%s' ") {
		t.Errorf("WriteBack() = %q, should start with printf", got)
	}
	if !strings.HasSuffix(got, " > /data/values.txt") {
		t.Errorf("WriteBack() = %q, should redirect into the file", got)
	}

	if got := WriteBack("", "/f"); got != "printf '%s' '' > /f" {
		t.Errorf("WriteBack(empty) = %q", got)
	}
}

func TestWriteBack_Shell(t *testing.T) {
	requireTool(t, "sh")
	path := filepath.Join(t.TempDir(), "values.txt")
	content := "name=it's \\n $HOME\nvalve=2\n"

	out, err := exec.Command("sh", "-c", WriteBack(content, path)).CombinedOutput()
	if err != nil {
		t.Fatalf("sh: %v: %s", err, out)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != content {
		t.Errorf("file = %q, want %q", data, content)
	}
}

func TestExecRunner(t *testing.T) {
	requireTool(t, "awk")
	requireTool(t, "sed")

	path := filepath.Join(t.TempDir(), "values.txt")
	if err := os.WriteFile(path, []byte("21.5\nvalve=0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	r := ExecRunner{}

	t.Run("awk first line", func(t *testing.T) {
		res, err := r.Run(context.Background(), ProgramAwk, "NR==1{ print; exit }", path)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if res.Stdout != "21.5\n" || res.Stderr != "" || res.ExitCode != 0 {
			t.Errorf("Run() = %+v", res)
		}
	})

	t.Run("sed edit to stdout", func(t *testing.T) {
		res, err := r.Run(context.Background(), ProgramSed, "s/^valve=.*/valve=2/", path)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if res.Stdout != "21.5\nvalve=2\n" {
			t.Errorf("Stdout = %q", res.Stdout)
		}
	})

	t.Run("non-zero exit is not an error", func(t *testing.T) {
		res, err := r.Run(context.Background(), ProgramAwk, "{ print; exit 3 }", path)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if res.ExitCode != 3 {
			t.Errorf("ExitCode = %d, want 3", res.ExitCode)
		}
		if res.Stdout != "21.5\n" {
			t.Errorf("Stdout = %q", res.Stdout)
		}
	})

	t.Run("stderr captured separately", func(t *testing.T) {
		res, err := r.Run(context.Background(), ProgramAwk, `NR==1{ print "oops" > "/dev/stderr"; print; exit }`, path)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if res.Stdout != "21.5\n" {
			t.Errorf("Stdout = %q", res.Stdout)
		}
		if !strings.Contains(res.Stderr, "oops") {
			t.Errorf("Stderr = %q, want oops", res.Stderr)
		}
	})

	t.Run("missing binary", func(t *testing.T) {
		_, err := r.Run(context.Background(), Program("filedaq-no-such-tool"), "x", path)
		if err == nil {
			t.Fatal("expected error for missing binary")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err := r.Run(ctx, ProgramAwk, "BEGIN { while (1) {} }", path)
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("Run() error = %v, want ErrTimeout", err)
		}
		if time.Since(start) > 5*time.Second {
			t.Errorf("timeout took %v", time.Since(start))
		}
	})
}
