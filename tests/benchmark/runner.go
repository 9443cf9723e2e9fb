// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

// KindStats matches the per-kind block served by /global-status.
type KindStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Running    int `json:"running"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
	Eliminated int `json:"eliminated"`
}

type GlobalStats struct {
	Kinds map[string]KindStats `json:"kinds"`
}

func (g GlobalStats) models() KindStats { return g.Kinds["create_model"] }

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// suites maps a suite name to the algorithms and parameters it injects, round robin.
var suites = map[string][]struct{ algorithm, params string }{
	"kmeans": {
		{"a_kmedias", `{"n_clusters": 2}`},
		{"a_kmedias", `{"n_clusters": 3, "init": "random"}`},
		{"a_kmedias", `{"n_clusters": 4, "n_init": 5}`},
	},
	"correlation": {
		{"c_pearson", `{}`},
		{"c_spearman", `{}`},
	},
	"regression": {
		{"r_lineal", `{}`},
	},
	"mixed": {
		{"a_kmedias", `{"n_clusters": 3}`},
		{"c_pearson", `{}`},
		{"c_spearman", `{}`},
		{"r_lineal", `{}`},
		{"a_kmedias", `{"n_clusters": 1}`},
	},
}

func main() {
	suite := flag.String("suite", "", "Benchmark suite to run (kmeans, correlation, regression, mixed)")
	sourceID := flag.Int("source", 0, "Source the injected tasks train on")
	count := flag.Int("count", 50, "Number of create-model tasks to inject")
	dbHost := flag.String("db_host", "localhost", "Database host")
	apiHost := flag.String("api_host", "localhost", "Worker API host")
	apiPort := flag.String("api_port", "8080", "Worker API port")
	flag.Parse()

	plan, ok := suites[*suite]
	if !ok || *sourceID <= 0 {
		fmt.Printf("%sUsage: --suite=[kmeans|correlation|regression|mixed] --source=<id> [--count=N]%s\n", colorRed, colorReset)
		os.Exit(1)
	}

	_ = godotenv.Load("../../.env")
	dbUser := os.Getenv("DB_USER")
	dbPass := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")
	if dbUser == "" {
		dbUser = "user"
	}
	if dbPass == "" {
		dbPass = "password"
	}
	if dbName == "" {
		dbName = "grafana"
	}

	connStr := fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=5432 sslmode=require",
		dbUser, dbPass, dbName, *dbHost)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		fmt.Printf("%sFailed to connect to DB: %v%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Printf("\n%s%s >> GRAFANA ML WORKER BENCHMARK SUITE: %s <<%s\n", colorCyan, colorBold, *suite, colorReset)

	initialStats, err := getGlobalStats(*apiHost, *apiPort)
	if err != nil {
		fmt.Printf("%s[WARN]%s Could not get initial stats: %v. Metrics might be absolute.\n", colorYellow, colorReset, err)
	}

	if err := inject(db, *sourceID, *count, plan); err != nil {
		fmt.Printf("%s[ERR]%s Failed to insert tasks: %v\n", colorRed, colorReset, err)
		os.Exit(1)
	}
	fmt.Printf("%s[OK]%s %d create-model tasks injected.\n\n", colorGreen, colorReset, *count)

	startTime := time.Now()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	fmt.Printf("%s%-10s %-12s %-10s %-10s %-10s%s\n", colorGray+colorBold, "ELAPSED", "DONE", "FAILED", "RUNNING", "PENDING", colorReset)
	fmt.Println(colorGray + "------------------------------------------------------------" + colorReset)

	for range ticker.C {
		stats, err := getGlobalStats(*apiHost, *apiPort)
		elapsed := time.Since(startTime).Round(time.Second).String()
		if err != nil {
			fmt.Printf("\r%-10s %s%-42s%s", elapsed, colorRed, "Error: Connection Refused (Retrying...)", colorReset)
			continue
		}

		m, base := stats.models(), initialStats.models()
		deltaDone := m.Done - base.Done
		deltaFailed := m.Failed - base.Failed

		statusColor := colorGreen
		if deltaFailed > 0 {
			statusColor = colorRed
		}
		fmt.Printf("\r%-10s %s%-12d%s %s%-10d%s %s%-10d%s %-10d",
			elapsed,
			colorGreen, deltaDone, colorReset,
			statusColor, deltaFailed, colorReset,
			colorYellow, m.Running, colorReset,
			m.Pending,
		)

		if m.Pending == 0 && m.Running == 0 && deltaDone+deltaFailed >= *count {
			fmt.Printf("\n%s------------------------------------------------------------%s\n", colorGray, colorReset)
			fmt.Printf("\n%s%s Benchmark Completed! ✓%s\n", colorGreen, colorBold, colorReset)
			printReport(deltaDone, deltaFailed, time.Since(startTime))
			return
		}
	}
}

func inject(db *sql.DB, sourceID, count int, plan []struct{ algorithm, params string }) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO grafana_ml_model_task_create (id_source, algorithm, parameters, state)
		VALUES ($1, $2, $3::jsonb, 'pendiente')`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := 0; i < count; i++ {
		p := plan[i%len(plan)]
		if _, err := stmt.Exec(sourceID, p.algorithm, p.params); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func getGlobalStats(host, port string) (GlobalStats, error) {
	resp, err := http.Get(fmt.Sprintf("http://%s:%s/global-status", host, port))
	if err != nil {
		return GlobalStats{}, err
	}
	defer resp.Body.Close()

	var stats GlobalStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return GlobalStats{}, err
	}
	return stats, nil
}

func printReport(done, failed int, duration time.Duration) {
	total := done + failed
	tps := float64(total) / duration.Seconds()
	successRate := 100.0
	if total > 0 {
		successRate = float64(done) / float64(total) * 100
	}

	fmt.Println("\n" + colorCyan + colorBold + "┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓" + colorReset)
	lineFmt := colorCyan + "┃" + colorReset + "  %-22s " + colorBold + "%-25s" + colorCyan + "┃" + colorReset + "\n"

	fmt.Printf(lineFmt, "Duration:", duration.Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt, "Total Tasks:", fmt.Sprintf("%d", total))
	fmt.Printf(lineFmt, "  - Done:", fmt.Sprintf("%d", done))
	fmt.Printf(lineFmt, "  - Failed:", fmt.Sprintf("%d", failed))
	fmt.Printf(lineFmt, "Success Rate:", fmt.Sprintf("%.2f%%", successRate))
	fmt.Printf(lineFmt, "Throughput:", fmt.Sprintf("%.2f tasks/sec", tps))
	fmt.Println(colorCyan + colorBold + "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛" + colorReset)
}
