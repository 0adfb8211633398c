//go:build checked

package critsec

// Misuse panics in checked builds. See the package documentation.
const checked = true
