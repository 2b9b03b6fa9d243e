package agentpty

import (
	"os"
	"path/filepath"
)

// rcScript is the managed bash rcfile. The DEBUG trap emits a BEGIN marker
// before the first command of each input line; PROMPT_COMMAND emits the END
// marker and the prompt sentinel. cwd and cmd ride base64 so arbitrary
// content survives the line-oriented marker format.
const rcScript = `# managed by appserver; do not edit
[ -f ~/.bashrc ] && . ~/.bashrc
__fws_seq=0
__fws_b64() { printf %s "$1" | base64 | tr -d '\n'; }
__fws_begin() {
  [ -n "$COMP_LINE" ] && return
  [ -n "$__fws_in_block" ] && return
  case "$BASH_COMMAND" in __fws_*) return;; esac
  __fws_in_block=1
  __fws_seq=$((__fws_seq+1))
  printf '\n__FWS_BLOCK_BEGIN__ seq=%s ts=%s cwd_b64=%s cmd_b64=%s\n' \
    "$__fws_seq" "$(date +%s%3N)" "$(__fws_b64 "$PWD")" "$(__fws_b64 "$BASH_COMMAND")"
}
__fws_prompt() {
  local rc=$?
  if [ -n "$__fws_in_block" ]; then
    printf '\n__FWS_BLOCK_END__ seq=%s ts=%s exit=%s\n' "$__fws_seq" "$(date +%s%3N)" "$rc"
    unset __fws_in_block
  fi
  printf '__FWS_PROMPT__ ts=%s cwd_b64=%s exit=%s\n' "$(date +%s%3N)" "$(__fws_b64 "$PWD")" "$rc"
}
trap '__fws_begin' DEBUG
PROMPT_COMMAND=__fws_prompt
`

// WriteRcfile writes the managed rcfile into the session directory and
// returns its path.
func WriteRcfile(dir string) (string, error) {
	path := filepath.Join(dir, "rc.bash")
	if err := os.WriteFile(path, []byte(rcScript), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
