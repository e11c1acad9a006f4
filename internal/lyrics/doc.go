// Package lyrics defines the core types, ports, and error taxonomy shared by the
// crawl-and-compile engine: sources, raw documents, canonical lyric records,
// stored tracks, checkpoints, merge decisions, and run reports.
package lyrics
