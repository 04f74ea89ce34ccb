// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cloudinit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUser(t *testing.T) {
	dir := t.TempDir()
	pubPath := filepath.Join(dir, "id_ed25519.pub")
	require.NoError(t, os.WriteFile(pubPath, []byte("ssh-ed25519 AAAA test@host\n"), 0o644))

	user, err := NewUser("ubuntu", pubPath)
	require.NoError(t, err)

	assert.Equal(t, "ubuntu", user.Name)
	assert.Equal(t, "ALL=(ALL) NOPASSWD:ALL", user.Sudo)
	require.Len(t, user.SSHAuthorizedKeys, 1)
	assert.Contains(t, user.SSHAuthorizedKeys[0], "ssh-ed25519")
}

func TestNewUserMissingKeyFile(t *testing.T) {
	_, err := NewUser("ubuntu", filepath.Join(t.TempDir(), "absent.pub"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "public key")
}

func TestRender(t *testing.T) {
	ud := UserData{
		Hostname:      "seedtest-1",
		PackageUpdate: true,
		Users: []User{
			NewUserWithAuthorizedKeys("ubuntu", []string{"ssh-ed25519 AAAA test@host"}),
		},
		WriteFiles: []WriteFile{
			{Path: "/etc/seedinit/seed.cfg", Permissions: "0644", Content: "datasource: none\n"},
		},
		RunCommands: []string{"seedinit status --wait"},
	}

	out, err := ud.Render()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "#cloud-config\n"))
	assert.Contains(t, out, "hostname: seedtest-1")
	assert.Contains(t, out, "package_update: true")
	assert.Contains(t, out, "name: ubuntu")
	assert.Contains(t, out, "path: /etc/seedinit/seed.cfg")
	assert.Contains(t, out, "runcmd:")
}

func TestRenderOmitsEmptySections(t *testing.T) {
	out, err := UserData{}.Render()
	require.NoError(t, err)

	assert.Equal(t, "#cloud-config\n{}\n", out)
	assert.NotContains(t, out, "users")
}
