package configure // 설정 관련 패키지

/*
	퍼블리셔 레지스트리. 스트림 키 하나에는 동시에 한 명의 퍼블리셔만 붙을 수 있다.
	키 -> 소유자(연결 UID) 매핑은 로컬 캐시나 redis 에 저장된다.
	redis 환경에서는 여러 인스턴스가 같은 매핑을 공유해, 다른 서버에 이미 붙은 키도 거절할 수 있다.
	로컬 환경에서는 단일 인스턴스 안에서만 중복을 막는다.
*/
import (
	"github.com/go-redis/redis/v7"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const keyPrefix = "rtmpsrv:publisher:"

// 소유자가 일치할 때만 삭제한다.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type PublisherKeys struct {
	redisCli   *redis.Client // 레디스 클라이언트
	localCache *cache.Cache  // 로컬 캐시
}

// NewPublisherKeys 는 redisAddr 가 비어 있으면 로컬 캐시만 쓰고, 아니면 redis 에 연결한다.
func NewPublisherKeys(redisAddr, redisPwd string, l *log.Entry) (*PublisherKeys, error) {
	r := &PublisherKeys{
		localCache: cache.New(cache.NoExpiration, 0),
	}
	if len(redisAddr) == 0 {
		return r, nil
	}

	r.redisCli = redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPwd,
		DB:       0,
	})
	if _, err := r.redisCli.Ping().Result(); err != nil {
		r.redisCli.Close()
		return nil, errors.Wrap(err, "redis ping")
	}
	l.WithField("redis_addr", redisAddr).Info("Redis connected")
	return r, nil
}

func (r *PublisherKeys) Shared() bool {
	return r.redisCli != nil
}

// Claim 은 key 를 owner 에게 배정한다. 이미 다른 소유자가 있으면 false 를 돌려준다.
func (r *PublisherKeys) Claim(key, owner string) (bool, error) {
	if r.redisCli != nil {
		ok, err := r.redisCli.SetNX(keyPrefix+key, owner, 0).Result()
		if err != nil {
			return false, errors.Wrapf(err, "claim %s", key)
		}
		return ok, nil
	}

	if err := r.localCache.Add(key, owner, cache.NoExpiration); err != nil {
		// Add 는 키가 이미 있을 때만 실패한다.
		return false, nil
	}
	return true, nil
}

// Release 는 owner 가 가진 key 를 놓는다. 다른 소유자의 키는 건드리지 않는다.
func (r *PublisherKeys) Release(key, owner string) error {
	if r.redisCli != nil {
		err := releaseScript.Run(r.redisCli, []string{keyPrefix + key}, owner).Err()
		if err != nil && err != redis.Nil {
			return errors.Wrapf(err, "release %s", key)
		}
		return nil
	}

	if cur, ok := r.localCache.Get(key); ok && cur.(string) == owner {
		r.localCache.Delete(key)
	}
	return nil
}

// Owner 는 key 를 가진 소유자를 찾는다.
func (r *PublisherKeys) Owner(key string) (string, bool, error) {
	if r.redisCli != nil {
		owner, err := r.redisCli.Get(keyPrefix + key).Result()
		if err == redis.Nil {
			return "", false, nil
		} else if err != nil {
			return "", false, errors.Wrapf(err, "owner %s", key)
		}
		return owner, true, nil
	}

	owner, found := r.localCache.Get(key)
	if !found {
		return "", false, nil
	}
	return owner.(string), true, nil
}

func (r *PublisherKeys) Close() error {
	if r.redisCli != nil {
		return r.redisCli.Close()
	}
	return nil
}
