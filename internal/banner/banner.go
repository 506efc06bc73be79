package banner

import (
	"fmt"
	"io"
)

const Version = "1.0.0"

func Print(w io.Writer, queue, brokerKind string) {
	banner := `
    ____             __                                      __
   / __ )____ ______/ /______ __________  __  ______  ____/ /__  _____
  / __  / __ '/ ___/ //_/ __ '/ ___/ __ \/ / / / __ \/ __  / _ \/ ___/
 / /_/ / /_/ / /__/ ,< / /_/ / /  / /_/ / /_/ / / / / /_/ /  __/ /
/_____/\__,_/\___/_/|_|\__, /_/   \____/\__,_/_/ /_/\__,_/\___/_/
                      /____/  v%s - background operations
    `
	fmt.Fprintf(w, banner, Version)
	fmt.Fprintf(w, "\n  queue: %s  broker: %s\n", queue, brokerKind)
	fmt.Fprintln(w, "------------------------------------------------")
}
