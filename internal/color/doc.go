// Package color holds the terminal palette used by testctx console output.
//
// Colors are adaptive: lipgloss picks the light or dark variant based on
// the detected terminal background, which Initialize can override. Output
// falls back to plain text when NO_COLOR is set or the writer is not a
// terminal.
//
// # Usage Example
//
//	color.Initialize(true)
//	fmt.Println(color.ForResult("PASSED").Render("PASSED"))
//	fmt.Println(color.Pad("scenario-name", 30) + "ok")
//
// Pad and Truncate measure display width, so scenario names containing
// wide runes line up in tables.
package color
