package sfcli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	testAlias = "0b4f6c1e-6a7d-4b5c-9a55-2f1e9a3b7c10"
	testDir   = "/srv/projects/" + testAlias
)

func TestNew_DefaultBinary(t *testing.T) {
	assert.Equal(t, DefaultBinary, New("").Binary())
	assert.Equal(t, "/opt/sf/bin/sf", New("/opt/sf/bin/sf").Binary())
}

func TestLoginAccessToken_TokenOnlyInEnv(t *testing.T) {
	cmd := New("").LoginAccessToken(testDir, testAlias, "https://acme.my.salesforce.com", "00D!secret")

	assert.Equal(t, "sf", cmd.Name)
	assert.Equal(t, testDir, cmd.Dir)
	assert.Equal(t, []string{
		"org", "login", "access-token",
		"--instance-url=https://acme.my.salesforce.com",
		"--alias=" + testAlias,
		"--no-prompt",
	}, cmd.Args)
	assert.Equal(t, "00D!secret", cmd.Env[AccessTokenEnv])
	for _, a := range cmd.Args {
		assert.NotContains(t, a, "secret")
	}
}

func TestBuilder_EnvIsolatedPerCommand(t *testing.T) {
	b := New("")
	login := b.LoginAccessToken(testDir, testAlias, "https://x.my.salesforce.com", "tok")
	logout := b.Logout(testDir, testAlias)

	assert.Contains(t, login.Env, AccessTokenEnv)
	assert.NotContains(t, logout.Env, AccessTokenEnv)
	assert.Equal(t, "true", logout.Env["SF_DISABLE_TELEMETRY"])
}

func TestBuilder_Commands(t *testing.T) {
	b := New("")
	project := testDir + "/salesforce-project"

	tests := []struct {
		name string
		got  []string
		want []string
	}{
		{
			name: "logout",
			got:  b.Logout(testDir, testAlias).Args,
			want: []string{"org", "logout", "--target-org=" + testAlias, "--no-prompt"},
		},
		{
			name: "generate project",
			got:  b.GenerateProject(testDir, "salesforce-project").Args,
			want: []string{"project", "generate", "--name=salesforce-project"},
		},
		{
			name: "generate manifest",
			got:  b.GenerateManifest(testDir, testAlias, "package", testDir).Args,
			want: []string{
				"project", "generate", "manifest",
				"--from-org=" + testAlias, "--name=package", "--output-dir=" + testDir,
			},
		},
		{
			name: "retrieve manifest",
			got:  b.RetrieveManifest(project, testAlias, testDir+"/package.xml").Args,
			want: []string{
				"project", "retrieve", "start",
				"--manifest=" + testDir + "/package.xml", "--target-org=" + testAlias,
			},
		},
		{
			name: "retrieve metadata",
			got:  b.RetrieveMetadata(project, testAlias, []string{"ApexClass", "Flow"}).Args,
			want: []string{
				"project", "retrieve", "start",
				"--metadata=ApexClass", "--metadata=Flow", "--target-org=" + testAlias,
			},
		},
		{
			name: "scanner",
			got:  b.ScannerRun(project, "force-app/main/default", "/srv/reports/r.html").Args,
			want: []string{
				"scanner", "run", "--format=html",
				"--outfile=/srv/reports/r.html", "--target=force-app/main/default",
			},
		},
		{
			name: "version",
			got:  b.Version().Args,
			want: []string{"--version"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestBuilder_HostileValuesStayInOneArgument(t *testing.T) {
	hostile := "https://x.salesforce.com --target-org=other; rm -rf /"
	cmd := New("").LoginAccessToken(testDir, testAlias, hostile, "t")

	assert.Equal(t, "--instance-url="+hostile, cmd.Args[3])
	assert.Len(t, cmd.Args, 6)
}
