package sandbox

import (
	"strconv"
)

// Jail builds the nsjail command line every guest program runs under.
type Jail struct {
	Path     string
	UID      int
	GID      int
	RlimitAS string
}

func DefaultJail() Jail {
	return Jail{Path: "/usr/bin/nsjail", UID: 99999, GID: 99999, RlimitAS: "max"}
}

// Command wraps argv so it runs as the unprivileged jail user with no /proc,
// the container root as its read-only root, and a hard wall-clock limit.
// nsjail kills the whole guest process tree when the limit passes.
func (j Jail) Command(timeLimitSeconds int, env []string, argv []string) []string {
	args := []string{
		j.Path,
		"--user", strconv.Itoa(j.UID),
		"--group", strconv.Itoa(j.GID),
		"--disable_proc",
		"--chroot", "/",
		"--really_quiet",
		"--time_limit", strconv.Itoa(timeLimitSeconds),
	}
	if j.RlimitAS != "" {
		args = append(args, "--rlimit_as", j.RlimitAS)
	}
	for _, e := range env {
		args = append(args, "--env", e)
	}
	args = append(args, "--")
	return append(args, argv...)
}

// killAllCmd kills every process in the container except its idle init and
// the shell itself. A session runs one program at a time, so this is exactly
// the jail and whatever it spawned.
var killAllCmd = []string{
	"/bin/sh", "-c",
	`for p in /proc/[0-9]*; do pid=${p##*/}; [ "$pid" = 1 ] || [ "$pid" = $$ ] || kill -KILL "$pid" 2>/dev/null; done; true`,
}
