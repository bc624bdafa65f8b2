package tui

import (
	"fmt"

	"github.com/muesli/termenv"
)

// PrintBanner outputs the ASCII art banner for Stagehand.
func PrintBanner(version string) {
	p := termenv.ColorProfile()
	// Amber-to-rose gradient
	s1 := termenv.String("  ___ _                   _                     _ ").Foreground(p.Color("#fbbf24"))
	s2 := termenv.String(" / __| |_ __ _ __ _ ___| |_  __ _ _ _  __| |").Foreground(p.Color("#f59e0b"))
	s3 := termenv.String(" \\__ \\  _/ _` / _` / -_) ' \\/ _` | ' \\/ _` |").Foreground(p.Color("#f97316"))
	s4 := termenv.String(" |___/\\__\\__,_\\__, \\___|_||_\\__,_|_||_\\__,_|").Foreground(p.Color("#fb7185"))
	s5 := termenv.String("              |___/").Foreground(p.Color("#f43f5e"))

	fmt.Println()
	fmt.Println(s1)
	fmt.Println(s2)
	fmt.Println(s3)
	fmt.Println(s4)
	fmt.Println(s5)
	fmt.Printf("  v%s\n", version)
	fmt.Println()
}
