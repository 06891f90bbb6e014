package transport

import (
	"io"
	"log/slog"
	"os"
)

// WatchStdin reads stdin until EOF or error and then calls onDead. For a
// daemon launched over SSH, stdin EOF means the master process is gone;
// terminating immediately keeps the remote host free of orphans.
func WatchStdin(log *slog.Logger, onDead func()) {
	go func() {
		buf := make([]byte, 256)
		for {
			_, err := os.Stdin.Read(buf)
			if err != nil {
				if err != io.EOF {
					log.With(slog.String("err", err.Error())).
						Debug("stdin watchdog read error")
				}
				log.Warn("stdin closed, master is gone, terminating")
				onDead()
				return
			}
		}
	}()
}
