package muster

const (
	luaHelpers = `
		local function contains(list, value)
			if type(list) ~= 'table' then
				return false
			end
			for _, v in ipairs(list) do
				if v == value then
					return true
				end
			end
			return false
		end

		local function activate(key, pendingKey, activeKey, event, now)
			local score = redis.call('ZSCORE', pendingKey, key) or '0'
			redis.call('ZREM', pendingKey, key)
			redis.call('ZADD', activeKey, score, key)
			event.startedAt = now
		end
		`

	luaCreateEvent = `
		-- Atomically store a new pending event and index it
		-- KEYS[1] = event key
		-- KEYS[2] = pending index key
		-- KEYS[3] = sequence key
		-- ARGV[1] = event data (JSON)
		-- Returns: {"ok"}

		local seq = redis.call('INCR', KEYS[3])
		redis.call('SET', KEYS[1], ARGV[1])
		redis.call('ZADD', KEYS[2], seq, KEYS[1])
		return {'ok'}
		`

	luaAutojoinEvent = luaHelpers + `
		-- Admit a user to the first compatible pending event in index order
		-- KEYS[1] = pending index key
		-- KEYS[2] = active index key
		-- ARGV[1] = user id
		-- ARGV[2] = user alias
		-- ARGV[3] = capacity
		-- ARGV[4] = options
		-- ARGV[5] = current time (RFC 3339)
		-- ARGV[6] = notification channel prefix
		-- Returns: {"ok", event} or {"none"}

		local userId = ARGV[1]
		local alias = ARGV[2]
		local capacity = tonumber(ARGV[3])
		local options = ARGV[4]

		local keys = redis.call('ZRANGE', KEYS[1], 0, -1)
		for _, key in ipairs(keys) do
			local raw = redis.call('GET', key)
			if not raw then
				redis.call('ZREM', KEYS[1], key)
			else
				local event = cjson.decode(raw)
				if tonumber(event.capacity) == capacity and
				   event.options == options and
				   not contains(event.userIds, userId) then

					local admit
					if type(event.whitelist) == 'table' and
					   #event.whitelist > 0 then
						admit = contains(event.whitelist, userId)
					else
						admit = not contains(event.blacklist, userId)
					end

					if admit then
						table.insert(event.userIds, userId)
						table.insert(event.aliases, alias)
						if #event.userIds == tonumber(event.capacity) then
							activate(key, KEYS[1], KEYS[2], event, ARGV[5])
						end

						raw = cjson.encode(event)
						redis.call('SET', key, raw)

						local msg = { type = 'join', userId = userId, userAlias = alias }
						redis.call('PUBLISH', ARGV[6] .. event.id, cjson.encode(msg))
						return {'ok', raw}
					end
				end
			end
		end

		return {'none'}
		`

	luaJoinEvent = luaHelpers + `
		-- Admit an invited user to a specific event
		-- KEYS[1] = event key
		-- KEYS[2] = pending index key
		-- KEYS[3] = active index key
		-- ARGV[1] = user id
		-- ARGV[2] = user alias
		-- ARGV[3] = current time (RFC 3339)
		-- ARGV[4] = notification channel prefix
		-- Returns: {"ok", event} or {status}

		local userId = ARGV[1]
		local alias = ARGV[2]

		local raw = redis.call('GET', KEYS[1])
		if not raw then
			redis.call('ZREM', KEYS[2], KEYS[1])
			return {'not_found'}
		end

		local event = cjson.decode(raw)
		if event.startedAt then
			return {'already_started'}
		end
		if contains(event.userIds, userId) then
			return {'already_joined'}
		end
		if not contains(event.whitelist, userId) then
			return {'forbidden'}
		end

		table.insert(event.userIds, userId)
		table.insert(event.aliases, alias)
		if #event.userIds == tonumber(event.capacity) then
			activate(KEYS[1], KEYS[2], KEYS[3], event, ARGV[3])
		end

		raw = cjson.encode(event)
		redis.call('SET', KEYS[1], raw)

		local msg = { type = 'join', userId = userId, userAlias = alias }
		redis.call('PUBLISH', ARGV[4] .. event.id, cjson.encode(msg))
		return {'ok', raw}
		`

	luaCancelEvent = `
		-- Delete a pending event on behalf of its creator
		-- KEYS[1] = event key
		-- KEYS[2] = pending index key
		-- ARGV[1] = user id
		-- ARGV[2] = notification channel prefix
		-- Returns: {"ok"} or {status}

		local raw = redis.call('GET', KEYS[1])
		if not raw then
			redis.call('ZREM', KEYS[2], KEYS[1])
			return {'not_found'}
		end

		local event = cjson.decode(raw)
		if event.userIds[1] ~= ARGV[1] then
			return {'forbidden'}
		end
		if event.startedAt then
			return {'already_started'}
		end

		redis.call('ZREM', KEYS[2], KEYS[1])
		redis.call('DEL', KEYS[1])

		local msg = { type = 'cancel' }
		redis.call('PUBLISH', ARGV[2] .. event.id, cjson.encode(msg))
		return {'ok'}
		`

	luaPendingFor = luaHelpers + `
		-- Collect pending events a user joined or is invited to
		-- KEYS[1] = pending index key
		-- ARGV[1] = user id
		-- Returns: list of events

		local userId = ARGV[1]
		local res = {}

		local keys = redis.call('ZRANGE', KEYS[1], 0, -1)
		for _, key in ipairs(keys) do
			local raw = redis.call('GET', key)
			if not raw then
				redis.call('ZREM', KEYS[1], key)
			else
				local event = cjson.decode(raw)
				if contains(event.userIds, userId) or
				   contains(event.whitelist, userId) then
					table.insert(res, raw)
				end
			end
		end
		return res
		`

	luaActiveFor = luaHelpers + `
		-- Collect active events a user participates in
		-- KEYS[1] = active index key
		-- ARGV[1] = user id
		-- Returns: list of events

		local userId = ARGV[1]
		local res = {}

		local keys = redis.call('ZRANGE', KEYS[1], 0, -1)
		for _, key in ipairs(keys) do
			local raw = redis.call('GET', key)
			if not raw then
				redis.call('ZREM', KEYS[1], key)
			else
				local event = cjson.decode(raw)
				if contains(event.userIds, userId) then
					table.insert(res, raw)
				end
			end
		end
		return res
		`

	luaListPending = `
		-- Collect every pending event in index order
		-- KEYS[1] = pending index key
		-- Returns: list of events

		local res = {}
		local keys = redis.call('ZRANGE', KEYS[1], 0, -1)
		for _, key in ipairs(keys) do
			local raw = redis.call('GET', key)
			if not raw then
				redis.call('ZREM', KEYS[1], key)
			else
				table.insert(res, raw)
			end
		end
		return res
		`
)
