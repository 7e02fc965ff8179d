package main

import (
	"fmt"
	"time"

	"github.com/atomicgo/cursor"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/AccessibleAI/cnvrg-gpu-fleet-allocator/pkg/ledger"
)

type TableOutput struct {
	data         []byte
	header       table.Row
	footer       table.Row
	body         []table.Row
	lastPosition int
}

func (o *TableOutput) rowsCount() int {
	return 2 + len(o.body)
}

func (o *TableOutput) Write(data []byte) (n int, err error) {
	o.data = append(o.data, data...)
	return len(data), nil
}

func (o *TableOutput) print() {
	if o.lastPosition > 0 {
		cursor.ClearLinesUp(o.lastPosition)
	}
	fmt.Printf("%s", o.data)
	o.lastPosition = o.rowsCount()
}

func (o *TableOutput) buildTable() {
	o.data = nil
	rowConfigAutoMerge := table.RowConfig{AutoMerge: true}
	t := table.NewWriter()
	t.SetOutputMirror(o)
	t.AppendHeader(o.header, rowConfigAutoMerge)
	t.AppendRows(o.body)
	t.SetStyle(table.StyleColoredGreenWhiteOnBlack)
	t.AppendFooter(o.footer)
	t.Render()
}

func claimAge(c ledger.Claim) string {
	return time.Since(c.CreatedAt).Round(time.Second).String()
}

func activeClaimsSnapshot(led *ledger.Ledger) ([]ledger.Claim, error) {
	var claims []ledger.Claim
	err := led.WithShared(func() error {
		for _, c := range led.ActiveClaims() {
			claims = append(claims, *c)
		}
		return nil
	})
	return claims, err
}
