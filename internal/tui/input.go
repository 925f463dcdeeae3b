package tui

// Rune-slice line editing for the input field. Bubbletea hands us key
// events; these helpers keep the cursor math in one place.

func insertRunes(in []rune, cursor int, r []rune) ([]rune, int) {
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(in) {
		cursor = len(in)
	}
	out := make([]rune, 0, len(in)+len(r))
	out = append(out, in[:cursor]...)
	out = append(out, r...)
	out = append(out, in[cursor:]...)
	return out, cursor + len(r)
}

func deleteRuneLeft(in []rune, cursor int) ([]rune, int) {
	if cursor <= 0 || len(in) == 0 {
		return in, 0
	}
	if cursor > len(in) {
		cursor = len(in)
	}
	out := append([]rune(nil), in[:cursor-1]...)
	out = append(out, in[cursor:]...)
	return out, cursor - 1
}

func deleteRuneRight(in []rune, cursor int) ([]rune, int) {
	if cursor < 0 || cursor >= len(in) {
		return in, cursor
	}
	out := append([]rune(nil), in[:cursor]...)
	out = append(out, in[cursor+1:]...)
	return out, cursor
}

func deleteWordLeft(in []rune, cursor int) ([]rune, int) {
	if len(in) == 0 || cursor <= 0 {
		return in, 0
	}
	if cursor > len(in) {
		cursor = len(in)
	}

	i := cursor
	// Skip any spaces just before the cursor.
	for i > 0 && isSpace(in[i-1]) {
		i--
	}
	// Then delete the word characters.
	for i > 0 && !isSpace(in[i-1]) {
		i--
	}

	out := append([]rune(nil), in[:i]...)
	out = append(out, in[cursor:]...)
	return out, i
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// renderCursor draws a block cursor into the input line at pos.
func renderCursor(s string, pos int) string {
	runes := []rune(s)
	if pos >= len(runes) {
		return s + "█"
	}
	return string(runes[:pos]) + "█" + string(runes[pos:])
}
