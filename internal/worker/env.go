package worker

import (
	"encoding/json"
	"os"
)

const subprocessEnvFile = ".env_subprocess.json"

// loadSubprocessEnv reads .env_subprocess.json from dir if present and
// returns it as a process environment ("KEY=VALUE" slice). If the file is
// absent the subprocess should inherit the daemon's own environment, so the
// caller gets (nil, false, nil).
func loadSubprocessEnv(dir string) ([]string, bool, error) {
	path := dir + string(os.PathSeparator) + subprocessEnvFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var vars map[string]string
	if err := json.Unmarshal(data, &vars); err != nil {
		return nil, false, err
	}

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	return env, true, nil
}
