package main

import (
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/GPTx-global/inferd/oracle/types"
)

const maxLogWidth = 60

func renderSubmissions(w io.Writer, subs []types.Submission) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Name: "LOG", WidthMax: maxLogWidth, WidthMaxEnforcer: text.WrapSoft},
	})
	tw.AppendHeader(table.Row{"CREATED", "TOPIC", "NONCE", "STATUS", "TX HASH", "LOG"})

	rows := make([]table.Row, 0, len(subs))
	for _, s := range subs {
		rows = append(rows, table.Row{
			s.CreatedAt.Format(time.RFC3339),
			strconv.FormatUint(s.TopicID, 10),
			strconv.FormatInt(s.NonceHeight, 10),
			s.Status,
			s.TxHash,
			s.RawLog,
		})
	}
	tw.AppendRows(rows)
	tw.Render()
}
