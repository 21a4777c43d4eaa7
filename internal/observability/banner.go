package observability

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

const (
	colorReset    = "\033[0m"
	colorNeonCyan = "\033[96m"
)

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return w
}

// PrintBanner writes the startup banner. It is skipped when stdout is not a
// terminal so piped logs stay machine-readable.
func PrintBanner(version, queueBackend, policyEngine string) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}

	banner := `
    ____  __    ___    _   _______  __  ___   __
   / __ \/ /   /   |  / | / / __ \/ / / / | / /
  / /_/ / /   / /| | /  |/ / /_/ / / / /  |/ /
 / ____/ /___/ ___ |/ /|  / _, _/ /_/ / /|  /
/_/   /_____/_/  |_/_/ |_/_/ |_|\____/_/ |_/

        >> PLAN EXECUTION PIPELINE <<
`

	width := termWidth()
	for _, l := range strings.Split(banner, "\n") {
		padding := (width - len(l)) / 2
		if padding < 0 {
			padding = 0
		}
		fmt.Printf("%s%s%s%s\n", strings.Repeat(" ", padding), colorNeonCyan, l, colorReset)
	}
	fmt.Printf("version=%s queue=%s policy=%s\n\n", version, queueBackend, policyEngine)
}
