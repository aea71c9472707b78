// Package preflight provides readiness checks for the filesystem paths,
// stage commands, and coordination store accession depends on.
//
// These checks run in two contexts:
//   - The provision stage calls CheckFreeSpace before placing an item so a
//     full storage volume fails the item instead of corrupting it.
//   - The daemon dependency snapshot and "accession status" render RunAll and
//     CheckSystemDeps results.
//
// Disabled stages are skipped.
package preflight
