package server

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/hewenyu/kong-mesh/pkg/health"
)

// writeHealthReport 以表格输出每个实例的健康状态
func writeHealthReport(w io.Writer, report map[string][]health.InstanceStatus) error {
	if len(report) == 0 {
		_, err := fmt.Fprintln(w, "未配置任何服务")
		return err
	}

	services := make([]string, 0, len(report))
	for name := range report {
		services = append(services, name)
	}
	sort.Strings(services)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tURL\tFAILURES\tLAST FAILURE\tSTATUS")
	for _, service := range services {
		for _, inst := range report[service] {
			last := "-"
			if inst.LastFailure != nil {
				last = time.Unix(*inst.LastFailure, 0).UTC().Format(time.RFC3339)
			}
			status := "healthy"
			if !inst.Healthy {
				status = "unhealthy"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", service, inst.URL, inst.Failures, last, status)
		}
	}
	return tw.Flush()
}
