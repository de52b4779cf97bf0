/*
Package runtime adapts containerd to keel's container model.

ContainerdRuntime is a client against an already-running containerd
daemon (normally the one inside the keel VM, see pkg/vm): image pull with
default-registry ref normalization, container and task lifecycle
(create/start/stop/delete), status and IP queries, and exit waiting for
the restart supervisor.

StartContainer takes the cio.Creator built from a pkg/ptyio session's
descriptors, which is how a server-owned PTY or pipe set becomes the
container process's stdio. Stop sends SIGTERM, waits out the grace
period, then escalates to SIGKILL.

The daemon is assumed present; supervising the VM that hosts it is
pkg/vm's job, and neither package starts containerd itself.
*/
package runtime
