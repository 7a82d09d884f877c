// Package pty drives interactive programs through a pseudo-terminal.
//
// A Session owns one PTY pair. Callers write to the program with Send and
// SendLine and wait on its output with Expect, which blocks until a chunk
// matches one of several case-insensitive patterns or a timeout passes.
// Listen installs a persistent callback for matching chunks. Attach and
// Detach hand the child descriptor to exactly one holder at a time.
//
//	sess, proc, err := pty.Spawn(pty.Options{}, "/bin/sh")
//	if err != nil {
//		return err
//	}
//	defer sess.Close()
//
//	sess.SendLine("echo ready")
//	res, err := sess.Expect(ctx, []string{"ready", "error"}, 5*time.Second)
//	if res.Matched {
//		fmt.Println("matched", res.Pattern)
//	}
//	<-proc.Done()
//
// Expect reports the pattern that fired. Listen callbacks get the raw chunk.
package pty
