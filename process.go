package durastash

import "os"

func processID() int { return os.Getpid() }
