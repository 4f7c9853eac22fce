package main

import (
	"fmt"
	"os"

	"github.com/ostafen/firmwalk/cmd/cmd"
	"github.com/ostafen/firmwalk/internal/env"
)

func main() {
	PrintLogo()

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func PrintLogo() {
	w := os.Stderr
	fmt.Fprintln(w, "  __ _                         _ _    ")
	fmt.Fprintln(w, " / _(_)_ __ _ ____      ____ _| | | __")
	fmt.Fprintln(w, "| |_| | '__| '_ \\ \\ /\\ / / _` | | |/ /")
	fmt.Fprintln(w, "|  _| | |  | | | \\ V  V / (_| | |   < ")
	fmt.Fprintln(w, "|_| |_|_|  |_| |_|\\_/\\_/ \\__,_|_|_|\\_\\")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Firmware analysis and extraction tool")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Version:    %s\n", env.Version)
	fmt.Fprintf(w, "Commit:     %s\n", env.CommitHash)
	fmt.Fprintf(w, "Build Time: %s\n", env.BuildTime)
	fmt.Fprintln(w)
}
