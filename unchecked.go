//go:build !checked

package critsec

// Misuse is logged and otherwise ignored. Build with the "checked" tag to
// turn misuse into panics.
const checked = false
