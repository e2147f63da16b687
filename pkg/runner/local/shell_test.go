package local

import (
	"context"
	"strings"
	"testing"
)

func TestShellRunner(t *testing.T) {
	r := ShellRunner{Dir: t.TempDir(), Env: []string{"GREETING=hi"}}

	tests := []struct {
		name    string
		command string
		want    string
		wantErr bool
	}{
		{name: "output is trimmed", command: "echo \"$GREETING\"", want: "hi"},
		{name: "stderr is captured", command: "echo oops >&2; exit 2", want: "oops", wantErr: true},
		{name: "pipes work", command: "printf 'a\\nb\\n' | wc -l | tr -d ' '", want: "2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Run(context.Background(), tt.command)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("output = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShellRunner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ShellRunner{}.Run(ctx, "sleep 5")
	if err == nil || !strings.Contains(err.Error(), "canceled") {
		t.Errorf("err = %v, want context canceled", err)
	}
}
