package installer

import (
	"strings"

	"github.com/argon-foss/krypton/internal/store"
	"github.com/argon-foss/krypton/internal/template"
)

// Container-side paths. The volume is mounted at /mnt/server during
// installation, so the staged workspace appears under .installation there.
const (
	containerLogPath = "/mnt/server/.installation/logs/install.log"
)

// buildScript wraps the unit's install script with the execution harness:
// fail-fast shell options, output duplication into the workspace log, an
// ERR trap that records the failing line, and one export per variable.
func buildScript(userScript string, vars []store.Variable) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("set -e\n")
	b.WriteString("exec 1> >(tee -a " + containerLogPath + ")\n")
	b.WriteString("exec 2>&1\n")
	b.WriteString(`trap 'echo "Error on line $LINENO" >> ` + containerLogPath + `' ERR` + "\n")
	b.WriteString("\n")
	for _, v := range vars {
		b.WriteString("export " + template.EnvKey(v.Name) + "=" + shellQuote(v.Value()) + "\n")
	}
	b.WriteString("\n")
	b.WriteString(strings.TrimRight(userScript, "\n"))
	b.WriteString("\n\nexit $?\n")
	return b.String()
}

// shellQuote single-quotes a value for safe interpolation into the script.
func shellQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}

// containerEnv is the installer container's environment: apt silenced plus
// every variable in raw, unquoted form.
func containerEnv(vars []store.Variable) []string {
	env := make([]string, 0, len(vars)+1)
	env = append(env, "DEBIAN_FRONTEND=noninteractive")
	for _, v := range vars {
		env = append(env, template.EnvKey(v.Name)+"="+v.Value())
	}
	return env
}
