package board

// These script bodies run on the board's MicroPython-family runtime,
// not on the host; they are submitted verbatim through the raw-REPL
// transport. Keep them dependency-free (no imports beyond the stdlib
// modules MicroPython ships) since nothing on the host can satisfy an
// import error raised on the board.

const enterBootloaderScript = `import machine; machine.bootloader()`

const restartScript = `import machine; machine.reset()`

// wipeFilesystemScriptTemplate recursively removes everything under /
// except the paths in keep. keep entries are absolute on-device paths
// (leading '/'); a directory match also preserves its descendants.
const wipeFilesystemScriptTemplate = `
import os
_keep = %s
def _kept(p):
    for k in _keep:
        if p == k or p.startswith(k + '/'):
            return True
    return False
def _rm(path):
    if _kept(path):
        return
    try:
        st = os.stat(path)
    except OSError:
        return
    if (st[0] & 0x4000) != 0:
        for name in os.listdir(path):
            _rm(path + '/' + name if path != '/' else '/' + name)
        if path != '/' and not _kept(path):
            try:
                os.rmdir(path)
            except OSError:
                pass
    else:
        try:
            os.remove(path)
        except OSError:
            pass
_rm('/')
print('DONE')
`

// hashIndexScript walks / recursively, computes SHA-256 of every
// regular file, and prints a single JSON object mapping on-device path
// to hex digest. Directories are detected via the standard "mode
// contains 0x4000" test.
const hashIndexScript = `
import os, uhashlib, ubinascii
def _hex(path):
    h = uhashlib.sha256()
    with open(path, 'rb') as f:
        while True:
            chunk = f.read(512)
            if not chunk:
                break
            h.update(chunk)
    return ubinascii.hexlify(h.digest()).decode()
def _walk(path, out):
    for name in os.listdir(path):
        full = path + '/' + name if path != '/' else '/' + name
        st = os.stat(full)
        if (st[0] & 0x4000) != 0:
            _walk(full, out)
        else:
            out[full] = _hex(full)
_out = {}
_walk('/', _out)
import ujson
print(ujson.dumps(_out))
`

// transferPreamble defines the write/verify helpers used by every
// Transfer script. hash_checks accumulates (path, ok) tuples so the
// caller can ask for the failures in one round-trip at the end.
const transferPreamble = `
import os, uhashlib, ubinascii
hash_checks = []
def mdir(path):
    parts = path.split('/')
    cur = ''
    for p in parts:
        if not p:
            continue
        cur += '/' + p
        try:
            os.mkdir(cur)
        except OSError:
            pass
def w(b64):
    f.write(ubinascii.a2b_base64(b64))
    f.flush()
def hash_check(path, expected):
    h = uhashlib.sha256()
    with open(path, 'rb') as chk:
        while True:
            chunk = chk.read(512)
            if not chunk:
                break
            h.update(chunk)
    got = ubinascii.hexlify(h.digest()).decode()
    hash_checks.append((path, got == expected))
def execute_file(path):
    try:
        modname = path[1:]
        if modname.endswith('.py'):
            modname = modname[:-3]
        modname = modname.replace('/', '.')
        mod = __import__(modname)
        if hasattr(mod, 'main'):
            mod.main()
    except Exception as e:
        print('execute_file error for', path, ':', e)
    finally:
        try:
            os.remove(path)
        except OSError:
            pass
`
