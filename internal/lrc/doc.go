// Package lrc parses LRC and plain-text lyric files into canonical lyric records.
//
// Parsing is lenient: malformed lines are dropped and counted, and a document only
// fails when nothing usable remains. Two documents that differ only cosmetically
// (whitespace, letter case, timestamp spelling, tag order) produce the same canonical
// lines and the same fingerprint.
package lrc
