package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/arloliu/vigil"
)

// printReport writes the current health of every worker as a table,
// followed by the most recent recovery actions.
func printReport(out io.Writer, sup *vigil.Supervisor) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "\nsystem score %.1f", sup.SystemHealthScore())
	if sup.EmergencyActive() {
		fmt.Fprint(tw, "  EMERGENCY STOP ACTIVE")
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "WORKER\tSTATE\tFLAGS\tSCORE\tLAST BEAT\tMISSES\tISOLATED")

	now := time.Now()
	for _, st := range sup.Workers() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f\t%s ago\t%d\t%t\n",
			st.WorkerID, st.State, st.Flags, st.Score,
			now.Sub(st.LastHeartbeat).Round(time.Millisecond),
			st.ConsecutiveMisses, st.Isolated)
	}

	history := sup.ActionHistory()
	if n := len(history); n > 5 {
		history = history[n-5:]
	}
	if len(history) > 0 {
		fmt.Fprintln(tw, "\nACTION\tWORKER\tTRANSITION\tRESULT\tATTEMPT\tREASON")
		for _, rec := range history {
			fmt.Fprintf(tw, "%s\t%s\t%s->%s\t%s\t%d\t%s\n",
				rec.Action, rec.WorkerID, rec.From, rec.To, rec.Result, rec.Attempt, rec.Reason)
		}
	}

	_ = tw.Flush()
}
