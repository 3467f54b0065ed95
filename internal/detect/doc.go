// Package detect watches the source directory and admits files only after
// they have been quiescent for a configured number of consecutive scans.
//
// Producers writing large files do so over minutes; admitting on first sight
// would replicate a half-written file. The detector snapshots (size, mtime)
// per path, counts unchanged observations, resets on any change, and hands a
// candidate to the admitter exactly once per stable generation of the file.
package detect
