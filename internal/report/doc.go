// Package report renders torpool results.
//
// Writers implement the Writer interface so they can be used
// interchangeably or combined with MultiWriter:
//   - SimpleWriter: text for terminal display
//   - MarkdownWriter: GitHub flavored Markdown with a Mermaid outcome chart
//   - JSONWriter: structured output for tool integration
//
// A FetchSummary describes one `torpool fetch` run; WriteHistory renders the
// sessions stored by the journal package.
package report
