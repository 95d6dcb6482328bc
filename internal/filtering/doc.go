// Package filtering selects dataset keys with glob patterns.
//
// Patterns use gobwas/glob syntax, supporting wildcards like '*' and '?',
// character classes '[...]' and alternatives '{a,b}'. Examples:
//
//   - "wine*" matches "winered", "winewhite"
//   - "blo?" matches "blog" but not "blogs"
//   - "{bike,housing}" matches "bike" and "housing"
//
// # Filtering Logic
//
//  1. If exclude patterns are specified and match -> exclude (precedence)
//  2. If include patterns are specified and match -> include
//  3. If include patterns are specified but no match -> exclude
//  4. If only exclude patterns are specified and no match -> include
//  5. If no patterns are specified -> include (default behavior)
//
// # Usage Example
//
//	keys, err := filtering.Select(reg.Keys(), []string{"wine*", "bike"}, []string{"winewhite"})
//	if err != nil {
//		return err
//	}
//	descs, err := reg.Resolve(keys, false)
package filtering
