package fetch

import "fmt"

var (
	sizeUnits = []string{"B", "KB", "MB", "GB", "TB", "PB", "EB", "ZB", "YB"}
	rateUnits = []string{"B/s", "KB/s", "MB/s", "GB/s", "TB/s", "PB/s", "EB/s", "ZB/s", "YB/s"}
)

// humanSize renders a byte count in decimal units: 2150000 -> "2.15 MB".
func humanSize(n float64) string {
	return humanReadable(n, sizeUnits)
}

// humanRate renders a bytes-per-second throughput: "34.09 MB/s".
func humanRate(n float64) string {
	return humanReadable(n, rateUnits)
}

func humanReadable(x float64, units []string) string {
	i := 0
	for x >= 1000 && i < len(units)-1 {
		x /= 1000
		i++
	}
	return fmt.Sprintf("%.2f %s", x, units[i])
}
