// krypton is the node daemon for the Argon game server panel. It
// provisions game servers as containers on the local engine and serves
// the panel's node API.
package main

import (
	"os"

	"github.com/argon-foss/krypton/internal/krypton"
)

func main() {
	os.Exit(krypton.Main())
}
