package main

// Test content constants
// These eliminate magic values scattered throughout test files

const (
	// Basic markdown
	testMarkdownSimple = "# Test"
	testMarkdownHeader = "# Hello World\n\nThis is a **test**."

	// GFM features
	testMarkdownTable         = "| A | B |\n|---|---|\n| 1 | 2 |"
	testMarkdownCode          = "```go\nfunc main() {}\n```"
	testMarkdownStrikethrough = "~~deleted~~"
	testMarkdownTaskList      = "- [x] Done\n- [ ] Todo"
	testMarkdownEmoji         = "Ship it :rocket:"

	// Relative and absolute links
	testMarkdownLinks = `![diagram](img/diagram.png)

[sibling](./other.md) [absolute](/etc/hosts) [web](https://example.com) [anchor](#top)`

	// Plain text that looks like markdown
	testTextPlain     = "# not a heading\n*not emphasis*"
	testTextBackticks = "run ```make``` then ````test````"

	// Notebook
	testNotebook     = `{"cells": [], "metadata": {}, "nbformat": 4, "nbformat_minor": 5}`
	testNotebookHTML = `<div class="notebook">converted</div>`

	// Server URLs used by renderers in tests
	testBaseURL   = "http://localhost:9876"
	testStaticURL = "http://localhost:9876/@static"

	// Security test paths
	testPathTraversal  = "/../../../etc/passwd"
	testPathURLEncoded = "/%2e%2e/%2e%2e/etc/passwd"
)
