package execpolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsDangerousCommand(t *testing.T) {
	tests := []struct {
		name string
		cmd  []string
		want bool
	}{
		{"rm -rf", []string{"rm", "-rf", "build"}, true},
		{"rm -f", []string{"rm", "-f", "a.txt"}, true},
		{"rm recursive long", []string{"rm", "--recursive", "dir"}, true},
		{"plain rm", []string{"rm", "a.txt"}, false},
		{"sudo rm", []string{"sudo", "rm", "-r", "/opt"}, true},
		{"git reset", []string{"git", "reset", "--hard"}, true},
		{"git -C reset", []string{"git", "-C", "repo", "reset"}, true},
		{"git status", []string{"git", "status"}, false},
		{"git branch -D", []string{"git", "branch", "-D", "feature"}, true},
		{"git branch list", []string{"git", "branch", "-a"}, false},
		{"git push force", []string{"git", "push", "--force", "origin", "main"}, true},
		{"git push plus refspec", []string{"git", "push", "origin", "+main"}, true},
		{"git push delete refspec", []string{"git", "push", "origin", ":old"}, true},
		{"git push", []string{"git", "push", "origin", "main"}, false},
		{"git clean -fd", []string{"git", "clean", "-fd"}, true},
		{"git clean dry", []string{"git", "clean", "-n"}, false},
		{"mkfs", []string{"mkfs.ext4", "/dev/sda1"}, true},
		{"dd to device", []string{"dd", "if=/dev/zero", "of=/dev/sda"}, true},
		{"dd to file", []string{"dd", "if=/dev/zero", "of=disk.img"}, false},
		{"chmod -R /", []string{"chmod", "-R", "777", "/"}, true},
		{"chmod file", []string{"chmod", "644", "a"}, false},
		{"bash -c with rm", []string{"bash", "-lc", "ls && rm -rf /tmp/x"}, true},
		{"bash -c safe", []string{"bash", "-c", "ls -la | wc -l"}, false},
		{"echo", []string{"echo", "rm", "-rf"}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsDangerousCommand(tt.cmd))
		})
	}
}
