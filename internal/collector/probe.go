package collector

// probeScript is the self-contained probe uploaded to each host. It needs
// only a Python 3 runtime with psutil and emits a single JSON object on
// stdout. Virtual filesystems are filtered host-side as well; the collector
// re-applies the denylist as a second line of defense.
const probeScript = `#!/usr/bin/env python3
import json
import os
import sys
import time

try:
    import psutil
except ImportError:
    sys.stderr.write("psutil missing\n")
    sys.exit(3)

VIRTUAL_FS = {"squashfs", "tmpfs", "devtmpfs", "proc", "sysfs", "cgroup",
              "cgroup2", "ramfs", "overlay", "udev"}


def disk_usage():
    out = {}
    for part in psutil.disk_partitions(all=False):
        if part.fstype in VIRTUAL_FS:
            continue
        try:
            usage = psutil.disk_usage(part.mountpoint)
        except OSError:
            continue
        out[part.mountpoint] = {
            "total": usage.total,
            "used": usage.used,
            "free": usage.free,
            "percent": usage.percent,
            "device": part.device,
            "fstype": part.fstype,
        }
    return out


def network_io():
    out = {}
    for name, c in psutil.net_io_counters(pernic=True).items():
        if name == "lo":
            continue
        out[name] = {
            "bytes_sent": c.bytes_sent,
            "bytes_recv": c.bytes_recv,
            "packets_sent": c.packets_sent,
            "packets_recv": c.packets_recv,
        }
    return out


def top_processes(limit=5):
    procs = []
    for p in psutil.process_iter(["pid", "name", "cpu_percent", "memory_percent"]):
        try:
            procs.append(p.info)
        except (psutil.NoSuchProcess, psutil.AccessDenied):
            continue
    procs.sort(key=lambda x: x.get("cpu_percent") or 0, reverse=True)
    return [
        {
            "pid": p["pid"],
            "name": p.get("name") or "?",
            "cpu_percent": round(p.get("cpu_percent") or 0, 2),
            "memory_percent": round(p.get("memory_percent") or 0, 2),
        }
        for p in procs[:limit]
    ]


def main():
    disk_before = psutil.disk_io_counters()
    net_before = psutil.net_io_counters()
    cpu = psutil.cpu_percent(interval=1.0)
    disk_after = psutil.disk_io_counters()
    net_after = psutil.net_io_counters()

    mem = psutil.virtual_memory()
    swap = psutil.swap_memory()
    try:
        load1, load5, load15 = os.getloadavg()
    except OSError:
        load1 = load5 = load15 = 0.0

    result = {
        "cpu_percent": cpu,
        "memory_percent": mem.percent,
        "swap_percent": swap.percent if swap.total else None,
        "disk_usage": disk_usage(),
        "network_io": network_io(),
        "disk_io_read_bps": float(disk_after.read_bytes - disk_before.read_bytes) if disk_before and disk_after else 0.0,
        "disk_io_write_bps": float(disk_after.write_bytes - disk_before.write_bytes) if disk_before and disk_after else 0.0,
        "net_io_sent_bps": float(net_after.bytes_sent - net_before.bytes_sent),
        "net_io_recv_bps": float(net_after.bytes_recv - net_before.bytes_recv),
        "load_1": load1,
        "load_5": load5,
        "load_15": load15,
        "network_connections": len(psutil.net_connections(kind="inet")),
        "system_uptime_seconds": int(time.time() - psutil.boot_time()),
        "top_processes": top_processes(),
    }
    json.dump(result, sys.stdout)
    sys.stdout.write("\n")


if __name__ == "__main__":
    main()
`
