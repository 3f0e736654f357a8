package normalize

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	tableOpen  = "[TABLE]"
	tableClose = "[/TABLE]"
)

// tableSet maps placeholders left in the page to rendered table blocks.
type tableSet struct {
	tokens []string
	blocks []string
}

// extractTables replaces every outermost table with a placeholder paragraph
// and renders it as one line per row, cells joined by " | ", between
// [TABLE] and [/TABLE] markers. Row text then diffs as a unit.
func extractTables(page *goquery.Document) *tableSet {
	ts := &tableSet{}
	page.Find("table").Each(func(_ int, table *goquery.Selection) {
		if table.ParentsFiltered("table").Length() > 0 {
			return
		}
		block := renderTable(table)
		if block == "" {
			table.Remove()
			return
		}
		token := fmt.Sprintf("XTABLEPLACEHOLDER%dX", len(ts.tokens))
		ts.tokens = append(ts.tokens, token)
		ts.blocks = append(ts.blocks, block)
		table.ReplaceWithHtml("<p>" + token + "</p>")
	})
	return ts
}

func renderTable(table *goquery.Selection) string {
	var rows []string
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		var cells []string
		tr.ChildrenFiltered("th, td").Each(func(_ int, cell *goquery.Selection) {
			if text := CleanLine(cell.Text()); text != "" {
				cells = append(cells, text)
			}
		})
		if len(cells) > 0 {
			rows = append(rows, strings.Join(cells, " | "))
		}
	})
	if len(rows) == 0 {
		return ""
	}
	return tableOpen + "\n" + strings.Join(rows, "\n") + "\n" + tableClose
}

func (ts *tableSet) restore(md string) string {
	for i, token := range ts.tokens {
		md = strings.Replace(md, token, "\n\n"+ts.blocks[i]+"\n\n", 1)
	}
	return md
}
